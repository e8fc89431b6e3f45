package planner

import (
	"context"

	"chimera/internal/domain/event"
	"chimera/internal/domain/plan"
	"chimera/internal/errors"
	"chimera/internal/ids"
	"chimera/internal/store"
)

// SubmitPlanningRequest enqueues a task description for a planner agent.
// Emits plan.requested.
func (e *Engine) SubmitPlanningRequest(ctx context.Context, description string, priority int, requestor string, contextData map[string]any) (*plan.Request, error) {
	const op = "planner.SubmitPlanningRequest"
	if description == "" {
		return nil, errors.E(errors.KindValidation, op, "task description is required")
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	req := &plan.Request{
		ID:              ids.NewPlanningRequestID(),
		TaskDescription: description,
		Priority:        priority,
		Requestor:       requestor,
		ContextData:     contextData,
		Status:          plan.RequestPending,
		CreatedAt:       e.now(),
	}
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.PutPlanningRequest(req)
	})
	if err != nil {
		return nil, err
	}
	e.publish([]event.Event{event.New(event.PlanRequested, corrID, map[string]any{
		"request_id": req.ID,
	})})
	return req.Clone(), nil
}

// ClaimPlanningRequest assigns a pending request to a planner agent.
func (e *Engine) ClaimPlanningRequest(ctx context.Context, requestID, agentID string) (*plan.Request, error) {
	const op = "planner.ClaimPlanningRequest"
	var req *plan.Request
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetPlanningRequest(requestID)
		if err != nil {
			return err
		}
		if r.Status != plan.RequestPending {
			return errors.E(errors.KindConflict, op, "request %q is %s", requestID, r.Status)
		}
		now := e.now()
		r.Status = plan.RequestAssigned
		r.AssignedAgent = agentID
		r.AssignedAt = &now
		req = r
		return tx.PutPlanningRequest(r)
	})
	if err != nil {
		return nil, err
	}
	return req.Clone(), nil
}

// CompletePlanningRequest stores the generated plan and closes the request.
// Emits plan.generated.
func (e *Engine) CompletePlanningRequest(ctx context.Context, requestID string, generated *plan.ExecutionPlan) (*plan.ExecutionPlan, error) {
	const op = "planner.CompletePlanningRequest"
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	registered, err := e.RegisterPlan(ctx, generated)
	if err != nil {
		return nil, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetPlanningRequest(requestID)
		if err != nil {
			return err
		}
		if r.Status != plan.RequestAssigned && r.Status != plan.RequestPending {
			return errors.E(errors.KindConflict, op, "request %q is %s", requestID, r.Status)
		}
		now := e.now()
		r.Status = plan.RequestCompleted
		r.CompletedAt = &now
		if err := tx.PutPlanningRequest(r); err != nil {
			return err
		}
		p, err := tx.GetPlan(registered.ID)
		if err != nil {
			return err
		}
		p.PlanningRequestID = requestID
		return tx.PutPlan(p)
	})
	if err != nil {
		return nil, err
	}
	e.publish([]event.Event{event.New(event.PlanGenerated, corrID, map[string]any{
		"request_id": requestID,
		"plan_id":    registered.ID,
	})})
	registered.PlanningRequestID = requestID
	return registered, nil
}
