// Package server exposes the HTTP surface: the Telegram webhook, a small
// task API, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kabanda/internal/engine"
	kberrors "kabanda/internal/errors"
	"kabanda/internal/ingest"
	"kabanda/internal/logging"
	"kabanda/internal/task"
)

// Config holds HTTP server settings.
type Config struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	Debug        bool          `mapstructure:"debug" yaml:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// WebhookSecret, when set, must match the X-Telegram-Bot-Api-Secret-Token
	// header on webhook calls.
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
}

// DefaultConfig returns the production server defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// taskReader is the read surface backing the task API endpoints.
type taskReader interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListOpenByUser(ctx context.Context, userID string, from, to time.Time) ([]*task.Task, error)
	ListReminders(ctx context.Context, taskID string) ([]*task.Reminder, error)
}

// Server wires the router to the pipeline.
type Server struct {
	config     Config
	processor  *ingest.Processor
	engine     *engine.Engine
	store      taskReader
	logger     logging.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg Config, processor *ingest.Processor, eng *engine.Engine, store taskReader, logger logging.Logger) (*Server, error) {
	if processor == nil || eng == nil || store == nil {
		return nil, fmt.Errorf("server requires processor, engine and store")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		router.Use(cors.New(corsConfig))
	}

	s := &Server{
		config:    cfg,
		processor: processor,
		engine:    eng,
		store:     store,
		logger:    logging.OrNop(logger),
		router:    router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/telegram/webhook", s.handleWebhook)

	api := s.router.Group("/api/v1")
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.GET("/tasks/:id/reminders", s.handleListReminders)
	api.POST("/tasks/:id/actions", s.handleTaskAction)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebhook always answers 200: a non-2xx makes Telegram redeliver the
// update forever, and the dedup cache already guards the happy path.
func (s *Server) handleWebhook(c *gin.Context) {
	if s.config.WebhookSecret != "" &&
		c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != s.config.WebhookSecret {
		c.JSON(http.StatusForbidden, gin.H{"error": "bad secret"})
		return
	}

	var update ingest.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.logger.Warn("webhook: undecodable update: %v", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if err := s.processor.HandleUpdate(c.Request.Context(), update); err != nil {
		s.logger.Error("webhook: update %d failed: %v", update.UpdateID, err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListTasks(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	now := time.Now()
	from, to := now.Add(-24*time.Hour), now.Add(30*24*time.Hour)

	tasks, err := s.store.ListOpenByUser(c.Request.Context(), userID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, kberrors.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleListReminders(c *gin.Context) {
	reminders, err := s.store.ListReminders(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reminders": reminders})
}

type taskActionRequest struct {
	Action        string `json:"action" binding:"required"`
	SnoozeMinutes int    `json:"snooze_minutes"`
}

// handleTaskAction applies done/snooze/cancel outside the chat flow.
func (s *Server) handleTaskAction(c *gin.Context) {
	var req taskActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var reply task.ReplyKind
	switch req.Action {
	case "done":
		reply = task.ReplyDone
	case "snooze":
		reply = task.ReplySnooze
	case "cancel":
		reply = task.ReplyCancel
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
		return
	}

	ev := task.Event{
		Kind:      task.EventUserReply,
		TaskID:    c.Param("id"),
		Reply:     reply,
		SnoozeFor: time.Duration(req.SnoozeMinutes) * time.Minute,
	}
	err := s.engine.Handle(c.Request.Context(), ev)
	if errors.Is(err, kberrors.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	t, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}
