package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/pkg/pipeline"
	"github.com/mahnoorkhalid8/digitalfte/pkg/router"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

type mockSubmitter struct {
	mu    sync.Mutex
	tasks []*task.Task
	ctxs  []context.Context
	err   error
}

func (m *mockSubmitter) Submit(ctx context.Context, t *task.Task) (pipeline.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
	m.ctxs = append(m.ctxs, ctx)
	if m.err != nil {
		return pipeline.Submission{TaskID: t.ID}, m.err
	}
	sub := pipeline.Submission{TaskID: t.ID, Decision: router.DecisionExecuteDirect, PlanID: "plan-" + t.ID}
	if missing := t.Missing(); len(missing) > 0 {
		sub = pipeline.Submission{
			TaskID:   t.ID,
			Decision: router.DecisionNeedsClarification,
			Missing:  missing,
			Reasons:  []string{"missing required fields"},
		}
	}
	return sub, nil
}

func (m *mockSubmitter) Tasks() []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*task.Task(nil), m.tasks...)
}

const jsonTask = `{"id":"task-1","objective":"Generate weekly report","action_type":"generate_report","impact_level":"low"}`

func newTestServer(t *testing.T, cfg Config) (*Server, *mockSubmitter, *observability.Recorder) {
	t.Helper()
	sub := &mockSubmitter{}
	rec := &observability.Recorder{}
	if cfg.Submitter == nil {
		cfg.Submitter = sub
	}
	cfg.Logger = zerolog.Nop()
	cfg.Sink = rec
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.limiter.Stop)
	return s, sub, rec
}

func post(t *testing.T, h http.Handler, contentType, body string, header map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func TestNewRequiresSubmitter(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSubmitTask(t *testing.T) {
	t.Run("json accepted", func(t *testing.T) {
		s, sub, rec := newTestServer(t, Config{})
		w, resp := post(t, s.Handler(), "application/json", jsonTask, map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"})

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "task-1", resp.TaskID)
		assert.Equal(t, string(router.DecisionExecuteDirect), resp.Decision)
		assert.Equal(t, "plan-task-1", resp.PlanID)

		tasks := sub.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, "webhook:203.0.113.7", tasks[0].Source)
		assert.Equal(t, []string{"webhook.accepted"}, rec.Actions("task-1"))
	})

	t.Run("markdown by default", func(t *testing.T) {
		s, sub, _ := newTestServer(t, Config{})
		doc := "---\nid: task-2\nobjective: Write summary\naction_type: generate_report\nimpact_level: low\n---\n\nBody text.\n"
		w, _ := post(t, s.Handler(), "", doc, nil)

		assert.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, sub.Tasks(), 1)
		assert.Equal(t, "Body text.", sub.Tasks()[0].Content)
	})

	t.Run("yaml via format parameter", func(t *testing.T) {
		s, sub, _ := newTestServer(t, Config{})
		req := httptest.NewRequest(http.MethodPost, "/tasks?format=yaml", strings.NewReader("id: task-3\nobjective: Tidy\naction_type: generate_report\nimpact_level: low\n"))
		req.Header.Set("Content-Type", "application/octet-stream")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		require.Len(t, sub.Tasks(), 1)
		assert.Equal(t, "task-3", sub.Tasks()[0].ID)
	})

	t.Run("clarification is unprocessable", func(t *testing.T) {
		s, _, rec := newTestServer(t, Config{})
		w, resp := post(t, s.Handler(), "application/json", `{"id":"task-4","objective":"Do something"}`, nil)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, string(router.DecisionNeedsClarification), resp.Decision)
		assert.NotEmpty(t, resp.Missing)
		assert.Equal(t, []string{"webhook.rejected"}, rec.Actions("task-4"))
	})

	t.Run("generated id", func(t *testing.T) {
		s, sub, _ := newTestServer(t, Config{})
		w, resp := post(t, s.Handler(), "application/json", `{"objective":"Generate weekly report","action_type":"generate_report","impact_level":"low"}`, nil)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Regexp(t, `^web-[0-9a-z]{10}$`, resp.TaskID)
		require.Len(t, sub.Tasks(), 1)
		assert.Equal(t, resp.TaskID, sub.Tasks()[0].ID)
	})

	t.Run("invalid document", func(t *testing.T) {
		s, sub, _ := newTestServer(t, Config{})
		w, resp := post(t, s.Handler(), "application/json", `{"objective": 42}`, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, resp.Error, "invalid task")
		assert.Empty(t, sub.Tasks())
	})

	t.Run("unsupported content type", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})
		w, _ := post(t, s.Handler(), "image/png", jsonTask, nil)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{MaxBodyBytes: 16})
		w, _ := post(t, s.Handler(), "application/json", jsonTask, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("submit error", func(t *testing.T) {
		sub := &mockSubmitter{err: errors.New("vault unavailable")}
		s, _, _ := newTestServer(t, Config{Submitter: sub})
		w, resp := post(t, s.Handler(), "application/json", jsonTask, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, resp.Error, "vault unavailable")
	})

	t.Run("pipeline closed", func(t *testing.T) {
		sub := &mockSubmitter{err: pipeline.ErrClosed}
		s, _, _ := newTestServer(t, Config{Submitter: sub})
		w, _ := post(t, s.Handler(), "application/json", jsonTask, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	})
}

func TestSignatureRequired(t *testing.T) {
	s, sub, _ := newTestServer(t, Config{Secret: "s3cret"})

	w, _ := post(t, s.Handler(), "application/json", jsonTask, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = post(t, s.Handler(), "application/json", jsonTask, map[string]string{DefaultSignatureHeader: Sign([]byte(jsonTask), "wrong")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, sub.Tasks())

	w, _ = post(t, s.Handler(), "application/json", jsonTask, map[string]string{DefaultSignatureHeader: Sign([]byte(jsonTask), "s3cret")})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, sub.Tasks(), 1)
}

func TestRateLimited(t *testing.T) {
	s, sub, _ := newTestServer(t, Config{RateLimitPerMinute: 1})

	w, _ := post(t, s.Handler(), "application/json", jsonTask, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w, resp := post(t, s.Handler(), "application/json", jsonTask, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, sub.Tasks(), 1)
}

func TestStartStop(t *testing.T) {
	s, sub, _ := newTestServer(t, Config{})

	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "daemon")
	require.NoError(t, s.Start(base, "127.0.0.1:0"))
	require.NotEmpty(t, s.Addr())

	resp, err := http.Post("http://"+s.Addr()+"/tasks", "application/json", strings.NewReader(jsonTask))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Flows outlive the request
	sub.mu.Lock()
	require.Len(t, sub.ctxs, 1)
	assert.Equal(t, "daemon", sub.ctxs[0].Value(ctxKey{}))
	sub.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	w, _ := post(t, s.Handler(), "application/json", jsonTask, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
