package pipeline

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// Load reads and parses a pipeline definition file. The result is defaulted but
// not validated; call Validate before executing it.
func Load(path string) (*Pipeline, error) {
	// #nosec G304 -- path is the user-supplied pipeline definition
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to read pipeline definition").
			WithContext("path", path).
			Fatal().
			Build()
	}
	p, err := Parse(data)
	if err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryConfig, "failed to parse pipeline definition").
			WithContext("path", path).
			Fatal().
			Build()
	}
	return p, nil
}

// Parse decodes a pipeline definition and applies defaults.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	ApplyDefaults(&p)
	return &p, nil
}

// ApplyDefaults fills in the implicit gate and deploy stage names.
func ApplyDefaults(p *Pipeline) {
	if p.Name == "" {
		p.Name = "pipeline"
	}
	if p.Gate != nil {
		if p.Gate.Stage == "" {
			p.Gate.Stage = DefaultGateStage
		}
		if p.Gate.Job == "" {
			p.Gate.Job = DefaultGateJob
		}
	}
	if p.Deploy != nil && p.Deploy.Stage == "" {
		p.Deploy.Stage = DefaultDeployStage
	}
}
