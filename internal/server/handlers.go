package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chimera/internal/client"
	"chimera/internal/domain/agent"
	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/ids"
)

// requestContext threads an optional X-Correlation-ID header into the context
// so every mutation and event under the request shares one correlation id.
func requestContext(c *gin.Context) (context.Context, string) {
	ctx := c.Request.Context()
	if id := c.GetHeader("X-Correlation-ID"); id != "" {
		return ids.WithCorrelationID(ctx, id), id
	}
	ctx, id := ids.EnsureCorrelationID(ctx)
	return ctx, id
}

func respond(c *gin.Context, status int, corrID string, body any) {
	c.Header("X-Correlation-ID", corrID)
	c.JSON(status, body)
}

// ---- tasks ----

type createTaskBody struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	TaskType     string         `json:"task_type"`
	Priority     int            `json:"priority"`
	Payload      map[string]any `json:"payload"`
	MaxRetries   int            `json:"max_retries"`
	ParentTaskID string         `json:"parent_task_id"`
	PlanID       string         `json:"plan_id"`
	Dependencies []string       `json:"dependencies"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var body createTaskBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.CreateTask", err))
		return
	}
	ctx, corrID := requestContext(c)
	t, err := s.client.CreateTask(ctx, client.CreateTaskRequest{
		Title:        body.Title,
		Description:  body.Description,
		TaskType:     body.TaskType,
		Priority:     body.Priority,
		Payload:      body.Payload,
		MaxRetries:   body.MaxRetries,
		ParentTaskID: body.ParentTaskID,
		PlanID:       body.PlanID,
		Dependencies: body.Dependencies,
		Tags:         body.Tags,
		Metadata:     body.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, corrID, t)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.client.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleListTasks serves both ?status= and ?queued=true&limit=&task_type=.
func (s *Server) handleListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Query("queued") == "true" {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		tasks, err := s.client.GetQueuedTasks(ctx, limit, c.Query("task_type"))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
		return
	}
	status := task.Status(c.Query("status"))
	if !status.Valid() {
		s.fail(c, errors.E(errors.KindValidation, "server.ListTasks", "unknown status %q", status))
		return
	}
	tasks, err := s.client.GetTasksByStatus(ctx, status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type updateStatusBody struct {
	Status   task.Status    `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateTaskStatus(c *gin.Context) {
	var body updateStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.UpdateTaskStatus", err))
		return
	}
	ctx, corrID := requestContext(c)
	t, err := s.client.UpdateTaskStatus(ctx, c.Param("id"), body.Status, body.Metadata)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, corrID, t)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := s.client.DeleteTask(c.Request.Context(), c.Param("id"), force); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetTaskRuns(c *gin.Context) {
	runs, err := s.client.GetTaskRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetTaskTransitions(c *gin.Context) {
	trs, err := s.client.GetTaskTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": trs})
}

// ---- workers ----

type registerWorkerBody struct {
	WorkerID     string             `json:"worker_id"`
	Role         string             `json:"role"`
	Capabilities []agent.Capability `json:"capabilities"`
	Metadata     map[string]any     `json:"metadata"`
}

func (s *Server) handleRegisterWorker(c *gin.Context) {
	var body registerWorkerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.RegisterWorker", err))
		return
	}
	ctx, corrID := requestContext(c)
	w, err := s.client.RegisterWorker(ctx, client.RegisterWorkerRequest{
		WorkerID:     body.WorkerID,
		Role:         body.Role,
		Capabilities: body.Capabilities,
		Metadata:     body.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, corrID, w)
}

func (s *Server) handleListWorkers(c *gin.Context) {
	ws, err := s.client.GetActiveWorkers(c.Request.Context(), c.Query("role"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": ws})
}

func (s *Server) handleGetWorker(c *gin.Context) {
	w, err := s.client.GetWorker(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type heartbeatBody struct {
	Status worker.Status `json:"status"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var body heartbeatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.Heartbeat", err))
		return
	}
	known, err := s.client.UpdateWorkerHeartbeat(c.Request.Context(), c.Param("id"), body.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"known": known})
}

type claimBody struct {
	Capabilities []agent.Capability `json:"capabilities"`
}

func (s *Server) handleClaim(c *gin.Context) {
	var body claimBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.fail(c, errors.E(errors.KindValidation, "server.Claim", err))
			return
		}
	}
	ctx, corrID := requestContext(c)
	res, err := s.client.ClaimNextTask(ctx, c.Param("id"), body.Capabilities)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, corrID, res)
}

func (s *Server) handleUnregisterWorker(c *gin.Context) {
	ctx, _ := requestContext(c)
	if err := s.client.UnregisterWorker(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- runs ----

func (s *Server) handleStartRun(c *gin.Context) {
	ctx, corrID := requestContext(c)
	r, err := s.client.StartRun(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, corrID, r)
}

type completeRunBody struct {
	Status       task.RunStatus `json:"status"`
	ResultData   map[string]any `json:"result_data"`
	ErrorMessage string         `json:"error_message"`
}

func (s *Server) handleCompleteRun(c *gin.Context) {
	var body completeRunBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.CompleteRun", err))
		return
	}
	ctx, corrID := requestContext(c)
	r, err := s.client.CompleteRun(ctx, c.Param("id"), body.Status, body.ResultData, body.ErrorMessage)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, corrID, r)
}

// ---- plans ----

func (s *Server) handleRegisterPlan(c *gin.Context) {
	var p plan.ExecutionPlan
	if err := c.ShouldBindJSON(&p); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.RegisterPlan", err))
		return
	}
	ctx, corrID := requestContext(c)
	registered, err := s.client.RegisterPlan(ctx, &p)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, corrID, registered)
}

func (s *Server) handleGetPlan(c *gin.Context) {
	p, err := s.client.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleMaterializePlan(c *gin.Context) {
	ctx, corrID := requestContext(c)
	n, err := s.client.CreatePlannedSubtasksFromPlan(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, corrID, gin.H{"created": n})
}

func (s *Server) handlePlanStatus(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		st  plan.Status
		err error
	)
	if c.Query("cached") == "true" {
		st, err = s.client.GetExecutionPlanStatusCached(ctx, c.Param("id"))
	} else {
		st, err = s.client.GetExecutionPlanStatus(ctx, c.Param("id"))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

func (s *Server) handleNextSubtask(c *gin.Context) {
	t, err := s.client.GetNextPlannedSubtask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if t == nil {
		c.JSON(http.StatusOK, gin.H{"task": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) handlePlanStart(c *gin.Context) {
	ctx, corrID := requestContext(c)
	if err := s.client.MarkPlanExecutionStarted(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, corrID, gin.H{"status": "started"})
}

// ---- workflows ----

type chimeraBody struct {
	FeatureDescription string `json:"feature_description"`
	TargetURL          string `json:"target_url"`
	StagingURL         string `json:"staging_url"`
	Priority           int    `json:"priority"`
}

func (s *Server) handleCreateChimera(c *gin.Context) {
	var body chimeraBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.E(errors.KindValidation, "server.CreateChimera", err))
		return
	}
	ctx, corrID := requestContext(c)
	t, err := s.client.CreateChimeraTask(ctx, client.ChimeraTaskRequest{
		FeatureDescription: body.FeatureDescription,
		TargetURL:          body.TargetURL,
		StagingURL:         body.StagingURL,
		Priority:           body.Priority,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, corrID, t)
}

type executeWorkflowBody struct {
	MaxIterations int `json:"max_iterations"`
}

func (s *Server) handleExecuteWorkflow(c *gin.Context) {
	var body executeWorkflowBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.fail(c, errors.E(errors.KindValidation, "server.ExecuteWorkflow", err))
			return
		}
	}
	ctx, corrID := requestContext(c)
	t, err := s.client.ExecuteWorkflow(ctx, c.Param("id"), body.MaxIterations)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, corrID, t)
}
