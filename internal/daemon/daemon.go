package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mahnoorkhalid8/digitalfte/internal/config"
	"github.com/mahnoorkhalid8/digitalfte/internal/logger"
	"github.com/mahnoorkhalid8/digitalfte/internal/tracing"
	"github.com/mahnoorkhalid8/digitalfte/pkg/approval"
	"github.com/mahnoorkhalid8/digitalfte/pkg/inbox"
	"github.com/mahnoorkhalid8/digitalfte/pkg/webhook"
	"github.com/rs/zerolog"
)

// shutdownTimeout bounds how long Stop waits for running task flows.
const shutdownTimeout = 5 * time.Second

// Daemon is the long-running FTE service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	runtime *Runtime

	// Services
	sweeper       *approval.Sweeper
	inbox         *inbox.Inbox
	webhook       *webhook.Server
	metricsServer *http.Server
	metricsAddr   string

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running          bool
	Uptime           time.Duration
	StartTime        time.Time
	PID              int
	PendingApprovals int
	ActivePlans      int
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	return NewWithOptions(cfg, log, Options{})
}

// NewWithOptions creates a daemon whose runtime is customized by opts.
func NewWithOptions(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts.KeepResults = false

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(opts); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		_ = d.runtime.Close()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d, time.Minute)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules(opts Options) error {
	rt, err := NewRuntime(d.config, d.logger.GetZerolog(), opts)
	if err != nil {
		return err
	}
	d.runtime = rt
	d.logger.Info().
		Str("vault", d.config.Vault.Root).
		Int("actions", len(rt.Actions.IDs())).
		Bool("ledger", rt.Ledger != nil).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	d.sweeper = approval.NewSweeper(d.runtime.Approvals, cfg.Approval.SweepSchedule, zl)

	if cfg.Inbox.Enabled {
		folders := cfg.Vault.Folders
		in, err := inbox.New(inbox.Config{
			Fs:                 d.runtime.Docs.Fs(),
			Dir:                cfg.Folder(folders.Inbox),
			AcceptedDir:        cfg.Folder(folders.Accepted),
			RejectedDir:        cfg.Folder(folders.Rejected),
			StabilityThreshold: cfg.StabilityThreshold(),
			Submitter:          d.runtime.Pipeline,
			Logger:             zl,
			Sink:               d.runtime.sink,
		})
		if err != nil {
			return fmt.Errorf("failed to create inbox: %w", err)
		}
		d.inbox = in
	}

	if cfg.Webhook.Enabled {
		wh, err := webhook.New(webhook.Config{
			Secret:             cfg.Webhook.Secret,
			RateLimitPerMinute: cfg.Webhook.RateLimitPerMinute,
			MaxBodyBytes:       int64(cfg.Webhook.MaxBodyKB) << 10,
			Submitter:          d.runtime.Pipeline,
			Logger:             zl,
			Sink:               d.runtime.sink,
		})
		if err != nil {
			return fmt.Errorf("failed to create webhook server: %w", err)
		}
		d.webhook = wh
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", d.runtime.Metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		d.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting FTE daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Start metrics server if enabled
	if d.metricsServer != nil {
		ln, err := net.Listen("tcp", d.config.Metrics.Listen)
		if err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		d.mu.Lock()
		d.metricsAddr = ln.Addr().String()
		d.mu.Unlock()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	}

	// Start approval sweeper
	if err := d.sweeper.Start(d.ctx); err != nil {
		d.abortStart(logger)
		return fmt.Errorf("failed to start approval sweeper: %w", err)
	}

	// Resume plans interrupted by the last shutdown
	if _, err := d.runtime.Pipeline.Resume(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to resume stored plans")
	}
	// and approval requests nobody was watching
	if _, err := d.runtime.Pipeline.ResumeApprovals(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to resume approval requests")
	}

	// Start inbox watcher
	if d.inbox != nil {
		if err := d.inbox.Start(d.ctx); err != nil {
			d.abortStart(logger)
			return fmt.Errorf("failed to start inbox: %w", err)
		}
	}

	// Start HTTP task intake
	if d.webhook != nil {
		if err := d.webhook.Start(d.ctx, d.config.Webhook.Listen); err != nil {
			d.abortStart(logger)
			return fmt.Errorf("failed to start webhook server: %w", err)
		}
	}

	// Start event loop
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Stopping FTE daemon")

	d.stopServices(logger)

	// Cancel context; monitors return and running plans stop between steps
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.runtime.Pipeline.Wait()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All task flows stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("Timeout waiting for task flows to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.runtime.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close runtime")
	}

	d.shutdownTracing()

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// stopServices stops the producers of new work. It is safe on services that
// never started.
func (d *Daemon) stopServices(logger zerolog.Logger) {
	if d.inbox != nil {
		if err := d.inbox.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop inbox")
		}
	}

	if d.webhook != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.webhook.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop webhook server")
		}
		cancel()
	}

	d.sweeper.Stop()

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}
}

// abortStart undoes a partial Start.
func (d *Daemon) abortStart(logger zerolog.Logger) {
	d.stopServices(logger)
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	d.setStopped()
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	pending, active, err := d.runtime.Counts(context.Background())
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to count vault documents")
	}
	status.PendingApprovals = pending
	status.ActivePlans = active

	return status
}

// Wait waits for the daemon to stop
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// MetricsAddr returns the address the metrics server listens on, or "" when
// it is not running.
func (d *Daemon) MetricsAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metricsAddr
}

// WebhookAddr returns the address the task intake listens on, or "" when it
// is not running.
func (d *Daemon) WebhookAddr() string {
	if d.webhook == nil {
		return ""
	}
	return d.webhook.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetRuntime returns the assembled core modules
func (d *Daemon) GetRuntime() *Runtime {
	return d.runtime
}
