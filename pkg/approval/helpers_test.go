package approval

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 13, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager  *Manager
	store    *Store
	docs     *store.FileStore
	recorder *observability.Recorder
}

func newFixture(t *testing.T, clock func() time.Time, poll time.Duration) *fixture {
	t.Helper()
	docs, err := store.NewFileStore(afero.NewMemMapFs(), "/vault", zerolog.Nop())
	require.NoError(t, err)

	st := NewStore(docs, "Needs_Approval", "Done", zerolog.Nop())
	rec := &observability.Recorder{}
	rules := DefaultRules()
	m := NewManager(st, NewClassifier(rules, NewDefaultPolicy(nil, 0)), Config{
		PollInterval: poll,
		Timeouts:     rules.Timeouts(),
		Clock:        clock,
		Sink:         rec,
	})
	return &fixture{manager: m, store: st, docs: docs, recorder: rec}
}
