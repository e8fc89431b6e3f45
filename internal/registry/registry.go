// Package registry maintains the agent indices the workflow executor and
// dispatch paths resolve against: by agent id, by agent type, and by
// capability.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chimera/internal/domain/agent"
	"chimera/internal/errors"
	"chimera/internal/logging"
)

// Stats reports registry cardinalities.
type Stats struct {
	Agents         int            `json:"agents"`
	ByType         map[string]int `json:"by_type"`
	ByCapability   map[string]int `json:"by_capability"`
	LastHealthScan time.Time      `json:"last_health_scan,omitempty"`
}

// Registry is a read-mostly index over registered agents. Writes take a
// short exclusive lock.
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]agent.Agent
	byType       map[string][]agent.Agent
	byCapability map[agent.Capability][]agent.Agent
	lastScan     time.Time
	logger       logging.Logger
}

// New creates an empty registry.
func New(logger logging.Logger) *Registry {
	return &Registry{
		byID:         make(map[string]agent.Agent),
		byType:       make(map[string][]agent.Agent),
		byCapability: make(map[agent.Capability][]agent.Agent),
		logger:       logging.OrNop(logger),
	}
}

// Register indexes an agent. Duplicate ids are rejected with a conflict
// error; unknown capability values are rejected outright.
func (r *Registry) Register(a agent.Agent) error {
	if a == nil || a.ID() == "" {
		return errors.E(errors.KindValidation, "registry.Register", "agent must carry an id")
	}
	for _, cap := range a.Capabilities() {
		if !cap.Valid() {
			return errors.E(errors.KindValidation, "registry.Register", "unknown capability %q", cap)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[a.ID()]; exists {
		return errors.E(errors.KindConflict, "registry.Register", "agent %q already registered", a.ID())
	}
	r.byID[a.ID()] = a
	r.byType[a.Type()] = append(r.byType[a.Type()], a)
	for _, cap := range a.Capabilities() {
		r.byCapability[cap] = append(r.byCapability[cap], a)
	}
	r.logger.Info("registered agent %s (type=%s, capabilities=%v)", a.ID(), a.Type(), a.Capabilities())
	return nil
}

// Unregister removes an agent from every index.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, exists := r.byID[agentID]
	if !exists {
		return errors.E(errors.KindNotFound, "registry.Unregister", "agent %q not registered", agentID)
	}
	delete(r.byID, agentID)
	r.byType[a.Type()] = remove(r.byType[a.Type()], agentID)
	if len(r.byType[a.Type()]) == 0 {
		delete(r.byType, a.Type())
	}
	for _, cap := range a.Capabilities() {
		r.byCapability[cap] = remove(r.byCapability[cap], agentID)
		if len(r.byCapability[cap]) == 0 {
			delete(r.byCapability, cap)
		}
	}
	return nil
}

func remove(agents []agent.Agent, id string) []agent.Agent {
	for i, a := range agents {
		if a.ID() == id {
			return append(agents[:i], agents[i+1:]...)
		}
	}
	return agents
}

// Get returns the agent registered under id.
func (r *Registry) Get(agentID string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, exists := r.byID[agentID]
	if !exists {
		return nil, errors.E(errors.KindNotFound, "registry.Get", "agent %q not registered", agentID)
	}
	return a, nil
}

// GetByType returns all agents of the given type, in registration order.
func (r *Registry) GetByType(agentType string) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]agent.Agent(nil), r.byType[agentType]...)
}

// GetByCapability returns all agents holding the capability, in
// registration order.
func (r *Registry) GetByCapability(cap agent.Capability) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]agent.Agent(nil), r.byCapability[cap]...)
}

// Resolve returns the first agent of the given type, falling back to the
// capability index when the name matches a capability instead. The workflow
// executor uses this to turn a phase's agent reference into a handle.
func (r *Registry) Resolve(ref string) (agent.Agent, error) {
	if agents := r.GetByType(ref); len(agents) > 0 {
		return agents[0], nil
	}
	if cap := agent.Capability(ref); cap.Valid() {
		if agents := r.GetByCapability(cap); len(agents) > 0 {
			return agents[0], nil
		}
	}
	return nil, errors.E(errors.KindConfiguration, "registry.Resolve", "no agent registered for %q", ref)
}

// healthCheckTimeout bounds each individual agent probe.
const healthCheckTimeout = 10 * time.Second

// HealthCheckAll probes every registered agent in parallel. A probe that
// panics or misses its deadline is reported as unhealthy for that agent
// only; the scan itself always succeeds.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]agent.Health {
	r.mu.RLock()
	agents := make([]agent.Agent, 0, len(r.byID))
	for _, a := range r.byID {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	results := make(map[string]agent.Health, len(agents))
	var resultsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			health := r.probe(ctx, a)
			resultsMu.Lock()
			results[a.ID()] = health
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.lastScan = time.Now()
	r.mu.Unlock()
	return results
}

func (r *Registry) probe(ctx context.Context, a agent.Agent) agent.Health {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	done := make(chan agent.Health, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("health check panic [%s]: %v", a.ID(), rec)
				done <- agent.Health{Status: agent.HealthUnhealthy, Message: "health check panicked"}
			}
		}()
		done <- a.HealthCheck(probeCtx)
	}()
	select {
	case h := <-done:
		return h
	case <-probeCtx.Done():
		return agent.Health{Status: agent.HealthUnhealthy, Message: "health check timed out"}
	}
}

// Stats returns registry cardinalities.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{
		Agents:         len(r.byID),
		ByType:         make(map[string]int, len(r.byType)),
		ByCapability:   make(map[string]int, len(r.byCapability)),
		LastHealthScan: r.lastScan,
	}
	for typ, agents := range r.byType {
		stats.ByType[typ] = len(agents)
	}
	for cap, agents := range r.byCapability {
		stats.ByCapability[string(cap)] = len(agents)
	}
	return stats
}

// IDs returns all registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
