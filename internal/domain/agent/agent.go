// Package agent defines the capability-typed contract every registered agent
// must satisfy. Agent internals are opaque to the orchestration core: the
// core hands an agent an action name plus an input mapping and receives an
// opaque result mapping back.
package agent

import "context"

// Capability classifies what kind of work an agent can perform.
type Capability string

const (
	CapabilityReview      Capability = "review"
	CapabilityPlan        Capability = "plan"
	CapabilityCode        Capability = "code"
	CapabilityDeploy      Capability = "deploy"
	CapabilityTest        Capability = "test"
	CapabilityMonitor     Capability = "monitor"
	CapabilityOrchestrate Capability = "orchestrate"
	CapabilityCustom      Capability = "custom"
)

// Valid reports whether c is one of the enumerated capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityReview, CapabilityPlan, CapabilityCode, CapabilityDeploy,
		CapabilityTest, CapabilityMonitor, CapabilityOrchestrate, CapabilityCustom:
		return true
	default:
		return false
	}
}

// HealthStatus grades an agent's health report.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the result of a single agent health probe.
type Health struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Agent is the contract the registry requires from every registered agent.
//
// Execute runs the named action with the given input and returns an opaque
// result mapping. The core interprets only the "status" field of the result;
// workflow definitions decide what else to capture. Implementations must
// honor ctx cancellation: the workflow executor bounds every call with a
// per-phase timeout.
type Agent interface {
	ID() string
	Type() string
	Capabilities() []Capability
	Execute(ctx context.Context, action string, input map[string]any) (map[string]any, error)
	HealthCheck(ctx context.Context) Health
}

// HasCapability reports whether a holds the given capability.
func HasCapability(a Agent, cap Capability) bool {
	for _, c := range a.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}
