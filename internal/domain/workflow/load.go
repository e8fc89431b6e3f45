package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlPhase mirrors PhaseSpec with a human-readable timeout ("300s", "30m").
type yamlPhase struct {
	Agent     string            `yaml:"agent"`
	Action    string            `yaml:"action"`
	OnSuccess string            `yaml:"on_success"`
	OnFailure string            `yaml:"on_failure"`
	Timeout   string            `yaml:"timeout"`
	Terminal  bool              `yaml:"terminal"`
	Capture   map[string]string `yaml:"capture"`
}

type yamlDefinition struct {
	Name    string               `yaml:"name"`
	Initial string               `yaml:"initial"`
	Success string               `yaml:"success"`
	Failure string               `yaml:"failure"`
	Order   []string             `yaml:"order"`
	Phases  map[string]yamlPhase `yaml:"phases"`
}

// LoadDefinition parses a workflow definition from a YAML document and
// validates it.
func LoadDefinition(doc []byte) (*Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}

	def := &Definition{
		Name:    raw.Name,
		Initial: Phase(raw.Initial),
		Success: Phase(raw.Success),
		Failure: Phase(raw.Failure),
		Phases:  make(map[Phase]PhaseSpec, len(raw.Phases)),
	}
	for _, p := range raw.Order {
		def.Order = append(def.Order, Phase(p))
	}
	for name, yp := range raw.Phases {
		spec := PhaseSpec{
			Agent:     yp.Agent,
			Action:    yp.Action,
			OnSuccess: Phase(yp.OnSuccess),
			OnFailure: Phase(yp.OnFailure),
			Terminal:  yp.Terminal,
			Capture:   yp.Capture,
		}
		if yp.Timeout != "" {
			timeout, err := time.ParseDuration(yp.Timeout)
			if err != nil {
				return nil, fmt.Errorf("phase %q: bad timeout %q: %w", name, yp.Timeout, err)
			}
			spec.Timeout = timeout
		}
		def.Phases[Phase(name)] = spec
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
