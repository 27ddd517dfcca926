// Package pipeline defines the pipeline definition model: stages, jobs, matrices
// and steps, together with parsing, validation and the topological stage plan.
package pipeline

// Status is the terminal (or pending) status of a step, job instance, stage or deploy.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCanceled:
		return true
	default:
		return false
	}
}

// RunStatus is the externally visible result of a whole pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Default names for the implicit gate and deploy stages.
const (
	DefaultGateStage   = "SkipCheck"
	DefaultGateJob     = "gate"
	DefaultDeployStage = "Deploy"
	GateOutputProceed  = "proceed"
)

// Pipeline is a parsed pipeline definition.
type Pipeline struct {
	Name      string            `yaml:"name"`
	Condition string            `yaml:"condition"` // Evaluated before any stage runs
	Variables map[string]string `yaml:"variables"`
	Gate      *GateSpec         `yaml:"gate"`
	Stages    []Stage           `yaml:"stages"`
	Deploy    *DeploySpec       `yaml:"deploy"`
}

// GateSpec enables the commit gate as the implicit root stage.
type GateSpec struct {
	Stage   string   `yaml:"stage"`
	Job     string   `yaml:"job"`
	Markers []string `yaml:"markers"`
	Skip    *int     `yaml:"skip"`
}

// Stage is a top-level phase of the pipeline with its own pass/fail gate.
type Stage struct {
	Name        string            `yaml:"stage"`
	DisplayName string            `yaml:"displayName"`
	DependsOn   StringList        `yaml:"dependsOn"`
	Condition   string            `yaml:"condition"`
	FailFast    bool              `yaml:"failFast"`
	Variables   map[string]string `yaml:"variables"`
	Jobs        []Job             `yaml:"jobs"`
}

// Job is a unit of work within a stage, expandable into instances via a matrix.
type Job struct {
	Name             string            `yaml:"job"`
	DisplayName      string            `yaml:"displayName"`
	Pool             string            `yaml:"pool"`
	Matrix           *Matrix           `yaml:"matrix"`
	Variables        map[string]string `yaml:"variables"`
	TimeoutInMinutes int               `yaml:"timeoutInMinutes"`
	Steps            []Step            `yaml:"steps"`
}

// Step is a single command or named task within a job instance.
type Step struct {
	Script                  string            `yaml:"script"`
	Task                    string            `yaml:"task"`
	Inputs                  map[string]string `yaml:"inputs"`
	Name                    string            `yaml:"name"`
	DisplayName             string            `yaml:"displayName"`
	Condition               string            `yaml:"condition"`
	ContinueOnError         bool              `yaml:"continueOnError"`
	RetryCountOnTaskFailure int               `yaml:"retryCountOnTaskFailure"`
	Env                     map[string]string `yaml:"env"`
}

// Label returns the most descriptive identifier available for the step.
func (s Step) Label(index int) string {
	switch {
	case s.DisplayName != "":
		return s.DisplayName
	case s.Name != "":
		return s.Name
	case s.Task != "":
		return s.Task
	default:
		return "step " + itoa(index+1)
	}
}

// DeploySpec declares the deploy stage and its mutually exclusive targets.
type DeploySpec struct {
	Stage   string         `yaml:"stage"`
	Targets []DeployTarget `yaml:"targets"`
}

// DeployTarget is one deploy destination and the ref rule selecting it.
type DeployTarget struct {
	Name     string `yaml:"name"`
	Branch   string `yaml:"branch"`   // Exact branch name
	Tags     string `yaml:"tags"`     // Tag shape; only "semver" (vMAJOR.MINOR.PATCH) is supported
	Requires string `yaml:"requires"` // Prerequisite stage that must have succeeded
	Artifact string `yaml:"artifact"` // Artifact handed to the publish action
	Action   string `yaml:"action"`   // Publish action name; defaults to the target name
}

// ActionName returns the publish action this target invokes.
func (t DeployTarget) ActionName() string {
	if t.Action != "" {
		return t.Action
	}
	return t.Name
}

// GateStageName returns the gate stage name, or "" when no gate is configured.
func (p *Pipeline) GateStageName() string {
	if p.Gate == nil {
		return ""
	}
	return p.Gate.Stage
}

// DeployStageName returns the deploy stage name, or "" when no deploy is configured.
func (p *Pipeline) DeployStageName() string {
	if p.Deploy == nil {
		return ""
	}
	return p.Deploy.Stage
}

// Stage returns the stage with the given name.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// HasStage reports whether name is a definition stage, the gate stage or the deploy stage.
func (p *Pipeline) HasStage(name string) bool {
	if name == "" {
		return false
	}
	if _, ok := p.Stage(name); ok {
		return true
	}
	return name == p.GateStageName() || name == p.DeployStageName()
}
