// Package ids generates prefixed identifiers for orchestrator entities and
// propagates correlation ids across call boundaries.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers for orchestrator entities.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string { return defaultGenerator.newIdentifier("task") }

// NewRunID generates a new run identifier.
func NewRunID() string { return defaultGenerator.newIdentifier("run") }

// NewPlanID generates a new execution-plan identifier.
func NewPlanID() string { return defaultGenerator.newIdentifier("plan") }

// NewSubscriptionID generates a new event-bus subscription identifier.
func NewSubscriptionID() string { return defaultGenerator.newIdentifier("sub") }

// NewCorrelationID generates a new correlation identifier for event threading.
func NewCorrelationID() string { return defaultGenerator.newIdentifier("corr") }

// NewPlanningRequestID generates a new planning-queue identifier.
func NewPlanningRequestID() string { return defaultGenerator.newIdentifier("planning") }

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}
