// Package api exposes job submission, job status and analytics over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"call-insights-go/internal/db"
	"call-insights-go/internal/jobs"
	"call-insights-go/internal/logger"
	"call-insights-go/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Options struct {
	UploadDir string
	// APIKey guards the webhook. An empty key rejects every webhook call.
	APIKey string
	// Wake is called after a job is submitted.
	Wake func()
	// MaxUploadBytes limits multipart uploads; zero means 512 MiB.
	MaxUploadBytes int64
}

type Server struct {
	machine *jobs.Machine
	store   *store.Store
	opts    Options
	log     *logger.Logger
	engine  *gin.Engine
}

func New(m *jobs.Machine, st *store.Store, opts Options, log *logger.Logger) *Server {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{machine: m, store: st, opts: opts, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.MaxMultipartMemory = 32 << 20
	s.routes(r)
	s.engine = r
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "call-insights"})
	})
	r.GET("/health", s.health)

	r.POST("/upload", s.upload)
	r.POST("/webhook", s.requireAPIKey, s.webhook)
	r.GET("/jobs", s.listJobs)
	r.GET("/jobs/:id", s.getJob)
	r.GET("/jobs/:id/export", s.exportJob)

	a := r.Group("/analytics")
	a.GET("/overview", s.overview)
	a.GET("/competitor/:name", s.competitor)
	a.GET("/competitors/list", s.competitors)
	a.GET("/sentiment-trends", s.trends)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		entry := s.log.WithRequest(c.Request)
		c.Set("log", entry)
		c.Next()
		entry = entry.WithFields(logrus.Fields{
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if len(c.Errors) > 0 {
			entry.WithField("error", c.Errors.String()).Warn("request failed")
			return
		}
		entry.Info("request handled")
	}
}

// reqLog returns the request-scoped entry set by requestLog.
func reqLog(c *gin.Context) *logrus.Entry {
	if v, ok := c.Get("log"); ok {
		if e, ok := v.(*logrus.Entry); ok {
			return e
		}
	}
	return logger.Discard()
}

func (s *Server) requireAPIKey(c *gin.Context) {
	key := c.GetHeader("X-API-KEY")
	if s.opts.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
		abort(c, http.StatusUnauthorized, "Invalid API key")
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	checks := gin.H{}
	healthy := true
	if err := db.Ping(s.store.DB()); err != nil {
		healthy = false
		checks["database"] = gin.H{"status": "unhealthy", "message": err.Error()}
	} else {
		checks["database"] = gin.H{"status": "healthy"}
	}

	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "call-insights",
		"checks":    checks,
	}
	code := http.StatusOK
	if !healthy {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

// abort ends the request with {"detail": msg}.
func abort(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"detail": msg})
}

// internalError logs err and answers 500.
func internalError(c *gin.Context, msg string, err error) {
	_ = c.Error(err)
	abort(c, http.StatusInternalServerError, msg)
}
