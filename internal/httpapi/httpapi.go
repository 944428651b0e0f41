// Package httpapi serves the read-only status API consumed by the
// external UI. Mutations never enter through HTTP; the UI drives them
// through agents and the IPC socket.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/httpmw"
	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/store"
)

// Config holds the HTTP listener settings.
type Config struct {
	Host string
	Port int
}

// Server is the read-only status API server.
type Server struct {
	store    *store.Store
	registry *registry.Registry
	log      *logger.Logger
	srv      *http.Server
}

// New builds the server and its routes.
func New(cfg Config, st *store.Store, reg *registry.Registry, log *logger.Logger) *Server {
	s := &Server{
		store:    st,
		registry: reg,
		log:      log.WithComponent("httpapi"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "httpapi"))

	api := engine.Group("/api/v1")
	{
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.GET("/agents", s.listAgents)
		api.GET("/activity", s.listActivity)
	}
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("http listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// GET /api/v1/tasks?all=&status=&type=&limit=
func (s *Server) listTasks(c *gin.Context) {
	issues, err := s.store.List(c.Request.Context(), store.ListOptions{
		All:    c.Query("all") == "true",
		Status: c.Query("status"),
		Type:   c.Query("type"),
		Limit:  intQuery(c, "limit"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": issues, "total": len(issues)})
}

// GET /api/v1/tasks/:id
func (s *Server) getTask(c *gin.Context) {
	iss, err := s.store.Show(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrIssueNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, iss)
}

// GET /api/v1/agents?task_id=
func (s *Server) listAgents(c *gin.Context) {
	infos := s.registry.GetActive()
	if taskID := c.Query("task_id"); taskID != "" {
		infos = s.registry.GetByTask(taskID)
	}
	summaries := registry.Summaries(infos)
	c.JSON(http.StatusOK, gin.H{"agents": summaries, "total": len(summaries)})
}

// GET /api/v1/activity?limit=
func (s *Server) listActivity(c *gin.Context) {
	events, err := s.store.Activity(c.Request.Context(), intQuery(c, "limit"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

func intQuery(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

// ShutdownTimeout is the default drain bound for callers that need one.
const ShutdownTimeout = 5 * time.Second
