package matrix

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/docpipe/internal/pipeline"
)

func fiveEntryJob(name string) pipeline.Job {
	m := &pipeline.Matrix{}
	for i := 0; i < 5; i++ {
		m.Entries = append(m.Entries, pipeline.MatrixEntry{
			Name:      fmt.Sprintf("py3%d", 8+i),
			Variables: map[string]string{"PYTHON_VERSION": fmt.Sprintf("3.%d", 8+i)},
		})
	}
	return pipeline.Job{
		Name:             name,
		Pool:             "ubuntu-latest",
		Matrix:           m,
		Variables:        map[string]string{"DISTRIB": "pip", "PYTHON_VERSION": "overridden"},
		TimeoutInMinutes: 30,
		Steps:            []pipeline.Step{{Script: "pytest"}},
	}
}

func TestExpand_OneInstancePerEntry(t *testing.T) {
	p := &pipeline.Pipeline{Variables: map[string]string{"GLOBAL": "g", "DISTRIB": "conda"}}
	job := fiveEntryJob("linux")
	stage := &pipeline.Stage{Name: "Main", Jobs: []pipeline.Job{job}}

	instances, err := Expand(p, stage, &stage.Jobs[0])
	require.NoError(t, err)
	require.Len(t, instances, 5)

	seen := map[string]bool{}
	for i, inst := range instances {
		entry := job.Matrix.Entries[i]
		assert.Equal(t, "linux."+entry.Name, inst.ID)
		assert.Equal(t, entry.Name, inst.Entry)
		if diff := cmp.Diff(entry.Variables, inst.Assignment); diff != "" {
			t.Errorf("assignment mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, entry.Variables["PYTHON_VERSION"], inst.Env["PYTHON_VERSION"], "matrix wins over job variables")
		assert.Equal(t, "pip", inst.Env["DISTRIB"], "job wins over pipeline variables")
		assert.Equal(t, "g", inst.Env["GLOBAL"])
		assert.Equal(t, 30*time.Minute, inst.Timeout)
		assert.Equal(t, job.Steps, inst.Steps)
		assert.False(t, seen[inst.Env["PYTHON_VERSION"]], "assignments are distinct")
		seen[inst.Env["PYTHON_VERSION"]] = true
	}
}

func TestExpand_InstancesShareNoState(t *testing.T) {
	stage := &pipeline.Stage{Name: "Main", Jobs: []pipeline.Job{fiveEntryJob("linux")}}
	instances, err := Expand(&pipeline.Pipeline{}, stage, &stage.Jobs[0])
	require.NoError(t, err)

	instances[0].Env["X"] = "1"
	instances[0].Assignment["PYTHON_VERSION"] = "2.7"
	instances[0].Steps[0].Script = "changed"

	assert.NotContains(t, instances[1].Env, "X")
	assert.Equal(t, "3.8", stage.Jobs[0].Matrix.Entries[0].Variables["PYTHON_VERSION"])
	assert.Equal(t, "pytest", stage.Jobs[0].Steps[0].Script)
}

func TestExpand_NoMatrixYieldsSingleInstance(t *testing.T) {
	stage := &pipeline.Stage{Name: "Docs", Jobs: []pipeline.Job{{Name: "build", Steps: []pipeline.Step{{Script: "make"}}}}}
	instances, err := Expand(&pipeline.Pipeline{}, stage, &stage.Jobs[0])
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "build", instances[0].ID)
	assert.Nil(t, instances[0].Assignment)
	assert.Zero(t, instances[0].Timeout)
	assert.Equal(t, "Docs/build", instances[0].Describe())
}

func TestExpand_EmptyMatrixIsConfigurationError(t *testing.T) {
	stage := &pipeline.Stage{Name: "Main", Jobs: []pipeline.Job{{Name: "j", Matrix: &pipeline.Matrix{}}}}
	_, err := Expand(&pipeline.Pipeline{}, stage, &stage.Jobs[0])
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryConfig))
	assert.Equal(t, "Main", foundationerrors.StageOf(err))
}

func TestExpandStage_TwoFiveEntryJobs(t *testing.T) {
	stage := &pipeline.Stage{Name: "Main", Jobs: []pipeline.Job{fiveEntryJob("linux"), fiveEntryJob("macos")}}
	instances, err := ExpandStage(&pipeline.Pipeline{}, stage)
	require.NoError(t, err)
	require.Len(t, instances, 10)
	assert.Equal(t, "linux.py38", instances[0].ID)
	assert.Equal(t, "macos.py38", instances[5].ID)
}

func TestDescribe(t *testing.T) {
	inst := Instance{Stage: "Main", ID: "linux.py39", Assignment: map[string]string{"PYTHON_VERSION": "3.9", "DISTRIB": "minimal"}}
	assert.Equal(t, "Main/linux.py39 (DISTRIB=minimal, PYTHON_VERSION=3.9)", inst.Describe())
}
