// Package httpapi exposes position status and lifecycle commands over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"signalPilot/internal/app"
	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

const (
	defaultExecutionLimit = 100
	maxExecutionLimit     = 1000
)

// LifecycleService is the part of app.Service the API needs.
type LifecycleService interface {
	Register(ctx context.Context, req app.RegisterRequest) (domain.PositionSnapshot, error)
	ReportFill(ctx context.Context, f app.Fill) error
	CancelPosition(ctx context.Context, id string) error
	ForceClose(ctx context.Context, id string, reason domain.CloseReason) error
	GetPositionStatus(id string) (domain.PositionSnapshot, error)
	ListPositions() []domain.PositionSnapshot
	GetStatistics() app.Statistics
	GetRecentExecutions(limit int) []domain.ExecutionRecord
}

// Server serves the status API.
type Server struct {
	addr    string
	router  *gin.Engine
	service LifecycleService
	logger  ports.Logger
}

// Config describes the HTTP server dependencies.
type Config struct {
	Addr    string
	Service LifecycleService
	Logger  ports.Logger
}

// NewServer builds the router and registers every route.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil || cfg.Logger == nil {
		return nil, errors.New("status api requires a service and a logger")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8089"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{addr: cfg.Addr, router: router, service: cfg.Service, logger: cfg.Logger}
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/positions", s.handleListPositions)
	api.GET("/positions/:id", s.handleGetPosition)
	api.POST("/positions", s.handleRegister)
	api.DELETE("/positions/:id", s.handleCancel)
	api.POST("/positions/:id/close", s.handleForceClose)
	api.POST("/fills", s.handleFill)
	api.GET("/statistics", s.handleStatistics)
	api.GET("/executions", s.handleExecutions)

	return s, nil
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info(ctx, "Status API listening", map[string]interface{}{"addr": s.addr})

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(c.Request.Context(), "HTTP request", map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"ip":     c.ClientIP(),
			"dur":    time.Since(start).String(),
		})
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ports.ErrConfigurationInvalid), errors.Is(err, ports.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ports.ErrBrokerCallFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), err, "HTTP request failed", map[string]interface{}{"path": c.Request.URL.Path})
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions := s.service.ListPositions()
	if symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol"))); symbol != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if p.Position.Symbol == symbol {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	snap, err := s.service.GetPositionStatus(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req app.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	snap, err := s.service.Register(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.service.CancelPosition(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type forceCloseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleForceClose(c *gin.Context) {
	var req forceCloseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	reason := domain.CloseReason(strings.ToUpper(strings.TrimSpace(req.Reason)))
	if err := s.service.ForceClose(c.Request.Context(), c.Param("id"), reason); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFill(c *gin.Context) {
	var f app.Fill
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := s.service.ReportFill(c.Request.Context(), f); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetStatistics())
}

func (s *Server) handleExecutions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultExecutionLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}
	records := s.service.GetRecentExecutions(limit)
	c.JSON(http.StatusOK, gin.H{"executions": records, "count": len(records)})
}
