// Package server is the HTTP boundary adapter: a gin application exposing the
// client facade as a JSON API, Prometheus metrics, and a websocket bridge
// that streams bus events to external subscribers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chimera/internal/client"
	"chimera/internal/errors"
	"chimera/internal/logging"
)

// Config configures the HTTP server.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server hosts the JSON API and the websocket event bridge.
type Server struct {
	client *client.Client
	log    logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New builds the server and its routes.
func New(cfg Config, c *client.Client, logger logging.Logger) (*Server, error) {
	if c == nil {
		return nil, errors.E(errors.KindValidation, "server.New", "client is required")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		client: c,
		log:    logging.OrNop(logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler exposes the underlying handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws/events", s.handleEventSocket)

	v1 := s.engine.Group("/api/v1")

	tasks := v1.Group("/tasks")
	tasks.POST("", s.handleCreateTask)
	tasks.GET("", s.handleListTasks)
	tasks.GET("/:id", s.handleGetTask)
	tasks.PATCH("/:id/status", s.handleUpdateTaskStatus)
	tasks.DELETE("/:id", s.handleDeleteTask)
	tasks.GET("/:id/runs", s.handleGetTaskRuns)
	tasks.GET("/:id/transitions", s.handleGetTaskTransitions)

	workers := v1.Group("/workers")
	workers.POST("", s.handleRegisterWorker)
	workers.GET("", s.handleListWorkers)
	workers.GET("/:id", s.handleGetWorker)
	workers.POST("/:id/heartbeat", s.handleHeartbeat)
	workers.POST("/:id/claim", s.handleClaim)
	workers.DELETE("/:id", s.handleUnregisterWorker)

	runs := v1.Group("/runs")
	runs.POST("/:id/start", s.handleStartRun)
	runs.POST("/:id/complete", s.handleCompleteRun)

	plans := v1.Group("/plans")
	plans.POST("", s.handleRegisterPlan)
	plans.GET("/:id", s.handleGetPlan)
	plans.POST("/:id/subtasks", s.handleMaterializePlan)
	plans.GET("/:id/status", s.handlePlanStatus)
	plans.GET("/:id/next", s.handleNextSubtask)
	plans.POST("/:id/start", s.handlePlanStart)

	workflows := v1.Group("/workflows")
	workflows.POST("/chimera", s.handleCreateChimera)
	workflows.POST("/:id/execute", s.handleExecuteWorkflow)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// httpStatus maps an error kind onto an HTTP status code.
func httpStatus(err error) int {
	switch errors.Kindof(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindState:
		return http.StatusUnprocessableEntity
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindAgent:
		return http.StatusBadGateway
	case errors.KindStorage, errors.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"error": err.Error(),
		"kind":  errors.Kindof(err).String(),
	})
}
