// Package webhook accepts task documents over HTTP and hands them to the
// pipeline, the same way the inbox does for files.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/pkg/pipeline"
	"github.com/mahnoorkhalid8/digitalfte/pkg/router"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// DefaultSignatureHeader carries the request signature when a secret is set.
const DefaultSignatureHeader = "X-FTE-Signature"

// Submitter accepts tasks. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, t *task.Task) (pipeline.Submission, error)
}

// Config configures a Server.
type Config struct {
	Secret             string // empty disables signature checks
	SignatureHeader    string
	RateLimitPerMinute int
	MaxBodyBytes       int64
	Submitter          Submitter
	Logger             zerolog.Logger
	Sink               observability.Sink
}

// Response is the JSON body returned by POST /tasks.
type Response struct {
	TaskID     string   `json:"task_id,omitempty"`
	Decision   string   `json:"decision,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	ApprovalID string   `json:"approval_id,omitempty"`
	PlanID     string   `json:"plan_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Server is the task intake HTTP server.
type Server struct {
	cfg     Config
	limiter *RateLimiter
	logger  zerolog.Logger
	sink    observability.Sink

	server    *http.Server
	addr      string
	base      context.Context
	startTime time.Time

	shutdownMu   sync.RWMutex
	shuttingDown bool
	inFlight     sync.WaitGroup
}

// New creates a Server. Submitter is required.
func New(cfg Config) (*Server, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("webhook: submitter is required")
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 256 << 10
	}
	return &Server{
		cfg:       cfg,
		limiter:   NewRateLimiter(cfg.RateLimitPerMinute),
		logger:    cfg.Logger.With().Str("component", "webhook").Logger(),
		sink:      observability.OrNop(cfg.Sink),
		base:      context.Background(),
		startTime: time.Now(),
	}, nil
}

// Handler returns the routes: GET /health and POST /tasks.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleTask)
	return mux
}

// Start listens on addr and serves in the background. Flows started by
// accepted tasks run under ctx, not under the request that carried them.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen on %s: %w", addr, err)
	}
	s.base = ctx
	s.addr = ln.Addr().String()
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info().Str("addr", s.addr).Msg("Starting webhook server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Webhook server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Stop refuses new requests, waits for in-flight ones until ctx ends and
// shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()
	defer s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}
	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.shuttingDown {
		s.shutdownMu.RUnlock()
		writeJSON(w, http.StatusServiceUnavailable, Response{Error: "server is shutting down"})
		return
	}
	s.inFlight.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlight.Done()

	client := clientIP(r)
	logger := s.logger.With().Str("client", client).Logger()

	if !s.limiter.Allow(client) {
		retry := int((s.limiter.RetryAfter(client) + time.Second - 1) / time.Second)
		logger.Warn().Int("retry_after", retry).Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, Response{Error: "rate limit exceeded"})
		return
	}

	ext, err := documentExt(r)
	if err != nil {
		writeJSON(w, http.StatusUnsupportedMediaType, Response{Error: err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, Response{Error: "failed to read body"})
		return
	}

	if s.cfg.Secret != "" {
		sig := r.Header.Get(s.cfg.SignatureHeader)
		if sig == "" || !verifySignature(body, sig, s.cfg.Secret) {
			logger.Warn().Bool("missing", sig == "").Msg("Invalid webhook signature")
			writeJSON(w, http.StatusUnauthorized, Response{Error: "invalid signature"})
			return
		}
	}

	t, err := task.Parse(ext, body)
	if err != nil {
		s.record(r.Context(), "", "rejected", "REJECTED", map[string]interface{}{"client": client, "reason": err.Error()})
		logger.Warn().Err(err).Msg("Rejected task document")
		writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}
	if t.Source == "" {
		t.Source = "webhook:" + client
	}
	if t.ID == "" {
		suffix, err := gonanoid.Generate(idAlphabet, 10)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, Response{Error: "failed to generate task id"})
			return
		}
		t.ID = "web-" + suffix
	}

	sub, err := s.cfg.Submitter.Submit(s.base, t)
	resp := Response{
		TaskID:     sub.TaskID,
		Decision:   string(sub.Decision),
		Reasons:    sub.Reasons,
		Missing:    sub.Missing,
		ApprovalID: sub.ApprovalID,
		PlanID:     sub.PlanID,
	}
	switch {
	case errors.Is(err, pipeline.ErrClosed):
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	case err != nil:
		logger.Error().Err(err).Str("task_id", t.ID).Msg("Task submission failed")
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	case sub.Decision == router.DecisionNeedsClarification:
		s.record(r.Context(), t.ID, "rejected", string(sub.Decision), map[string]interface{}{"client": client, "missing": sub.Missing})
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	s.record(r.Context(), t.ID, "accepted", string(sub.Decision), map[string]interface{}{"client": client})
	logger.Info().
		Str("task_id", t.ID).
		Str("decision", string(sub.Decision)).
		Msg("Task accepted from webhook")
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) record(ctx context.Context, subject, action, status string, meta map[string]interface{}) {
	if subject == "" {
		subject = "unknown"
	}
	s.sink.Record(ctx, observability.Event{
		Kind:      observability.KindWebhook,
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Action:    action,
		Status:    status,
		Metadata:  meta,
	})
}

// documentExt maps the ?format= parameter or the Content-Type to the file
// extension task.Parse expects. A request without either is Markdown.
func documentExt(r *http.Request) (string, error) {
	if f := strings.ToLower(r.URL.Query().Get("format")); f != "" {
		switch f {
		case "json", "yaml", "yml", "md", "markdown":
			return "." + f, nil
		}
		return "", fmt.Errorf("unsupported format %q", f)
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ".md", nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", fmt.Errorf("invalid content type %q", ct)
	}
	switch mt {
	case "application/json":
		return ".json", nil
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return ".yaml", nil
	case "text/markdown", "text/plain":
		return ".md", nil
	}
	return "", fmt.Errorf("unsupported content type %q", mt)
}

// clientIP prefers proxy headers over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
