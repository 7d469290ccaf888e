// Package inbox turns task files dropped into a folder into pipeline
// submissions. Accepted files move to the accepted folder; unreadable or
// incomplete ones move to the rejected folder next to a note with the reason.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/mahnoorkhalid8/digitalfte/internal/observability"
	"github.com/mahnoorkhalid8/digitalfte/pkg/pipeline"
	"github.com/mahnoorkhalid8/digitalfte/pkg/router"
	"github.com/mahnoorkhalid8/digitalfte/pkg/task"
)

var taskExts = map[string]bool{".md": true, ".markdown": true, ".yaml": true, ".yml": true, ".json": true}

// Submitter accepts tasks. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, t *task.Task) (pipeline.Submission, error)
}

// Config configures an Inbox.
type Config struct {
	Fs          afero.Fs
	Dir         string
	AcceptedDir string
	RejectedDir string
	// StabilityThreshold is how long a file must stay unchanged before it is
	// read. Defaults to 250ms.
	StabilityThreshold time.Duration

	Submitter Submitter
	Logger    zerolog.Logger
	Sink      observability.Sink
}

// Outcome is what happened to one inbox file.
type Outcome struct {
	Path       string
	Accepted   bool
	Reason     string
	Submission pipeline.Submission
}

// Inbox watches a folder for task files.
type Inbox struct {
	cfg    Config
	logger zerolog.Logger
	sink   observability.Sink

	watcher        *fsnotify.Watcher
	done           chan struct{}
	stopOnce       sync.Once
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	// processing is serialized so a file is never submitted twice.
	processMu sync.Mutex
}

// New creates an Inbox and its folders.
func New(cfg Config) (*Inbox, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 250 * time.Millisecond
	}
	for _, dir := range []string{cfg.Dir, cfg.AcceptedDir, cfg.RejectedDir} {
		if dir == "" {
			return nil, errors.New("inbox, accepted and rejected folders are required")
		}
		if err := cfg.Fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Inbox{
		cfg:            cfg,
		logger:         cfg.Logger.With().Str("component", "inbox").Logger(),
		sink:           observability.OrNop(cfg.Sink),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

// Scan processes every task file already in the inbox, oldest name first.
func (in *Inbox) Scan(ctx context.Context) ([]Outcome, error) {
	entries, err := afero.ReadDir(in.cfg.Fs, in.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && in.isTaskFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var outcomes []Outcome
	for _, name := range names {
		out, err := in.Process(ctx, filepath.Join(in.cfg.Dir, name))
		if err != nil {
			return outcomes, err
		}
		if out != nil {
			outcomes = append(outcomes, *out)
		}
	}
	return outcomes, nil
}

// Process loads one task file and submits it. It returns nil when the file
// is already gone. The error is reserved for failures to move the file.
func (in *Inbox) Process(ctx context.Context, path string) (*Outcome, error) {
	in.processMu.Lock()
	defer in.processMu.Unlock()

	if _, err := in.cfg.Fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	out := &Outcome{Path: path}
	t, err := task.LoadFile(in.cfg.Fs, path)
	if err != nil {
		out.Reason = err.Error()
		return out, in.reject(ctx, out, "")
	}

	sub, err := in.cfg.Submitter.Submit(ctx, t)
	out.Submission = sub
	switch {
	case err != nil:
		out.Reason = fmt.Sprintf("submit failed: %v", err)
		return out, in.reject(ctx, out, t.ID)
	case sub.Decision == router.DecisionNeedsClarification:
		out.Reason = strings.Join(sub.Reasons, "; ")
		return out, in.reject(ctx, out, t.ID)
	}

	out.Accepted = true
	if err := in.cfg.Fs.Rename(path, in.target(in.cfg.AcceptedDir, path)); err != nil {
		return out, fmt.Errorf("failed to move %s to accepted: %w", path, err)
	}
	in.sink.Record(ctx, observability.Event{
		Kind:      observability.KindInbox,
		Timestamp: time.Now().UTC(),
		Subject:   t.ID,
		Action:    "accepted",
		Status:    string(sub.Decision),
		Metadata:  map[string]interface{}{"file": filepath.Base(path)},
	})
	in.logger.Info().
		Str("file", filepath.Base(path)).
		Str("task_id", t.ID).
		Str("decision", string(sub.Decision)).
		Msg("Task accepted from inbox")
	return out, nil
}

func (in *Inbox) reject(ctx context.Context, out *Outcome, taskID string) error {
	dest := in.target(in.cfg.RejectedDir, out.Path)
	if err := in.cfg.Fs.Rename(out.Path, dest); err != nil {
		return fmt.Errorf("failed to move %s to rejected: %w", out.Path, err)
	}
	note := fmt.Sprintf("# Rejected: %s\n\n**Rejected at:** %s\n\n## Reason\n\n%s\n",
		filepath.Base(out.Path), time.Now().UTC().Format(time.RFC3339), out.Reason)
	if err := afero.WriteFile(in.cfg.Fs, dest+".reason.md", []byte(note), 0o644); err != nil {
		in.logger.Warn().Err(err).Str("file", dest).Msg("Failed to write rejection note")
	}

	if taskID == "" {
		taskID = filepath.Base(out.Path)
	}
	in.sink.Record(ctx, observability.Event{
		Kind:      observability.KindInbox,
		Timestamp: time.Now().UTC(),
		Subject:   taskID,
		Action:    "rejected",
		Status:    "REJECTED",
		Metadata:  map[string]interface{}{"file": filepath.Base(out.Path), "reason": out.Reason},
	})
	in.logger.Warn().
		Str("file", filepath.Base(out.Path)).
		Str("reason", out.Reason).
		Msg("Task file rejected")
	return nil
}

// target returns a free path for name in dir.
func (in *Inbox) target(dir, path string) string {
	base := filepath.Base(path)
	dest := filepath.Join(dir, base)
	if _, err := in.cfg.Fs.Stat(dest); errors.Is(err, os.ErrNotExist) {
		return dest
	}
	ext := filepath.Ext(base)
	return filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), time.Now().UnixNano(), ext))
}

// Start scans the inbox, then watches it for new files until ctx is done or
// Stop is called. The folder must exist on the OS file system.
func (in *Inbox) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(in.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch inbox: %w", err)
	}
	in.watcher = watcher

	if _, err := in.Scan(ctx); err != nil {
		in.logger.Error().Err(err).Msg("Initial inbox scan failed")
	}

	go in.eventLoop(ctx)

	in.logger.Info().
		Str("path", in.cfg.Dir).
		Msg("Inbox watcher started")
	return nil
}

// Stop stops watching. Files already being processed finish.
func (in *Inbox) Stop() error {
	in.stopOnce.Do(func() {
		close(in.done)
	})

	in.debounceMu.Lock()
	for _, timer := range in.debounceTimers {
		timer.Stop()
	}
	clear(in.debounceTimers)
	in.debounceMu.Unlock()

	if in.watcher == nil {
		return nil
	}
	if err := in.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	in.logger.Info().Msg("Inbox watcher stopped")
	return nil
}

func (in *Inbox) eventLoop(ctx context.Context) {
	for {
		select {
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && in.isTaskFile(filepath.Base(event.Name)) {
				in.debounce(ctx, event.Name)
			}

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Error().Err(err).Msg("Watcher error")

		case <-ctx.Done():
			in.Stop()
			return

		case <-in.done:
			return
		}
	}
}

// debounce waits for path to settle before processing it.
func (in *Inbox) debounce(ctx context.Context, path string) {
	in.debounceMu.Lock()
	defer in.debounceMu.Unlock()

	if timer, exists := in.debounceTimers[path]; exists {
		timer.Stop()
	}
	in.debounceTimers[path] = time.AfterFunc(in.cfg.StabilityThreshold, func() {
		in.debounceMu.Lock()
		delete(in.debounceTimers, path)
		in.debounceMu.Unlock()

		select {
		case <-in.done:
			return
		default:
		}
		if _, err := in.Process(ctx, path); err != nil {
			in.logger.Error().Err(err).Str("path", path).Msg("Error processing inbox file")
		}
	})
}

func (in *Inbox) isTaskFile(name string) bool {
	if name == "" || name[0] == '.' || strings.HasSuffix(name, ".reason.md") {
		return false
	}
	return taskExts[strings.ToLower(filepath.Ext(name))]
}
