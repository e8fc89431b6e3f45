package registry

import (
	"context"

	"chimera/internal/domain/agent"
)

// ExecuteFunc is the bare execution signature legacy agents expose.
type ExecuteFunc func(ctx context.Context, action string, input map[string]any) (map[string]any, error)

// Adapter wraps a bare execute function in the full agent contract so legacy
// agents can be registered transparently. Health defaults to healthy unless
// a probe function is supplied.
type Adapter struct {
	AgentID      string
	AgentType    string
	Caps         []agent.Capability
	ExecuteF     ExecuteFunc
	HealthCheckF func(ctx context.Context) agent.Health
}

var _ agent.Agent = (*Adapter)(nil)

func (a *Adapter) ID() string                       { return a.AgentID }
func (a *Adapter) Type() string                     { return a.AgentType }
func (a *Adapter) Capabilities() []agent.Capability { return a.Caps }

func (a *Adapter) Execute(ctx context.Context, action string, input map[string]any) (map[string]any, error) {
	if a.ExecuteF == nil {
		return nil, nil
	}
	return a.ExecuteF(ctx, action, input)
}

func (a *Adapter) HealthCheck(ctx context.Context) agent.Health {
	if a.HealthCheckF == nil {
		return agent.Health{Status: agent.HealthHealthy}
	}
	return a.HealthCheckF(ctx)
}
