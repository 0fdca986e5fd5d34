// Package server serves flaky-test entries over HTTP in the format the
// controlplane HTTPSource consumes, for teams that keep their flaky list in
// a file instead of a hosted service.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/aponysus/rerun/controlplane"
	"github.com/aponysus/rerun/policy"
)

// EntriesPath is the route of the flaky-test list.
const EntriesPath = "/api/v1/flaky-tests"

// EntriesFile is the on-disk format of the served list.
type EntriesFile struct {
	Repos []RepoEntries `yaml:"repos"`
}

// RepoEntries lists the flaky tests of one repository. An empty Jobs list
// applies the entries to every job.
type RepoEntries struct {
	RepoName   string         `yaml:"repo_name"`
	Jobs       []string       `yaml:"jobs"`
	FlakyTests []policy.Entry `yaml:"flaky_tests"`
}

// ParseEntries decodes and validates an entries file. Every entry must name
// a test, and overrides must form a valid policy over the default one.
func ParseEntries(data []byte) (EntriesFile, error) {
	var f EntriesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return EntriesFile{}, fmt.Errorf("parse entries: %w", err)
	}
	for i, r := range f.Repos {
		if strings.TrimSpace(r.RepoName) == "" {
			return EntriesFile{}, fmt.Errorf("repos[%d]: repo_name is required", i)
		}
		for j, e := range r.FlakyTests {
			if strings.TrimSpace(e.TestName) == "" {
				return EntriesFile{}, fmt.Errorf("repos[%d].flaky_tests[%d]: test_name is required", i, j)
			}
			if _, err := e.Apply(policy.Default()); err != nil {
				return EntriesFile{}, fmt.Errorf("repos[%d].flaky_tests[%d] %q: %w", i, j, e.TestName, err)
			}
		}
	}
	return f, nil
}

// Server serves an EntriesFile.
type Server struct {
	path   string
	token  string
	logger *slog.Logger
	engine *gin.Engine

	mu       sync.RWMutex
	entries  EntriesFile
	loadedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithEntriesFile sets the file Reload reads.
func WithEntriesFile(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithToken requires "Authorization: Bearer <token>" on the entries route.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server. When an entries file is configured it is loaded
// before New returns.
func New(opts ...Option) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(requestLogger(s.logger))
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.handleHealth)
	engine.GET(EntriesPath, s.authorize, s.handleEntries)
	s.engine = engine

	if s.path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Reload re-reads the entries file. On error the served list is unchanged.
func (s *Server) Reload() error {
	if s.path == "" {
		return errors.New("server: no entries file configured")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("server: read entries: %w", err)
	}
	f, err := ParseEntries(data)
	if err != nil {
		return fmt.Errorf("server: %s: %w", s.path, err)
	}
	s.SetEntries(f)
	return nil
}

// SetEntries replaces the served list.
func (s *Server) SetEntries(f EntriesFile) {
	s.mu.Lock()
	s.entries = f
	s.loadedAt = time.Now()
	s.mu.Unlock()

	n := 0
	for _, r := range f.Repos {
		n += len(r.FlakyTests)
	}
	s.logger.Info("flaky test entries loaded", "repos", len(f.Repos), "entries", n)
}

// Lookup returns the entries for q. ok is false when no repository matches.
func (s *Server) Lookup(q controlplane.Query) (entries []policy.Entry, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries = []policy.Entry{}
	for _, r := range s.entries.Repos {
		if r.RepoName != q.RepoName {
			continue
		}
		if len(r.Jobs) > 0 && !contains(r.Jobs, q.JobName) {
			continue
		}
		ok = true
		entries = append(entries, r.FlakyTests...)
	}
	return entries, ok
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Server) authorize(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}
	c.Next()
}

func (s *Server) handleEntries(c *gin.Context) {
	q := controlplane.Query{
		RepoName: strings.TrimSpace(c.Query("repo_name")),
		JobName:  strings.TrimSpace(c.Query("job_name")),
	}
	if q.RepoName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repo_name is required"})
		return
	}
	entries, ok := s.Lookup(q)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no flaky tests registered for repository"})
		return
	}
	c.JSON(http.StatusOK, controlplane.Response{FlakyTests: entries})
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.RLock()
	repos, loaded := len(s.entries.Repos), s.loadedAt
	s.mu.RUnlock()

	body := gin.H{"status": "ok", "repos": repos}
	if !loaded.IsZero() {
		body["loaded_at"] = loaded.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"status", status,
			"latency", time.Since(start),
			"client", c.ClientIP(),
		}
		if status >= 400 {
			logger.Warn("request", attrs...)
		} else {
			logger.Debug("request", attrs...)
		}
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("policy server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("policy server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
