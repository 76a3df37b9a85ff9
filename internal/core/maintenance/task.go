package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("maintenance")

var (
	ErrAlreadyStarted  = errors.New("maintenance task already started")
	ErrNotStarted      = errors.New("maintenance task not started")
	ErrInvalidInterval = errors.New("maintenance interval must be positive")
	ErrShutdownTimeout = errors.New("maintenance task shutdown timeout exceeded")
	ErrSweepPanic      = errors.New("maintenance sweep panicked")
)

// Sweeper is the session housekeeping the task drives.
type Sweeper interface {
	CleanupExpired(ctx context.Context) (int, error)
	TrimLocal() int
}

// Result describes a single sweep.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Expired   int           `json:"expired"`
	Trimmed   int           `json:"trimmed"`
}

type Status struct {
	Running   bool   `json:"running"`
	Sweeps    int64  `json:"sweeps"`
	Failures  int64  `json:"failures"`
	LastSweep Result `json:"last_sweep"`
	LastError string `json:"last_error,omitempty"`
}

// Task periodically removes expired sessions from the remote store and trims
// the in-process cache.
type Task struct {
	sweeper  Sweeper
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	metrics  *telemetry.BusinessMetrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	sweeps   atomic.Int64
	failures atomic.Int64

	lastMu  sync.RWMutex
	last    Result
	lastErr error
}

func NewTask(sweeper Sweeper, cfg config.MaintenanceConfig, logger *slog.Logger, metrics *telemetry.BusinessMetrics) *Task {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Task{
		sweeper:  sweeper,
		interval: cfg.Interval,
		grace:    grace,
		logger:   logger.With("component", "maintenance"),
		metrics:  metrics,
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. It
// blocks; use Run for errgroup style lifecycles.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	if t.interval <= 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: got %v", ErrInvalidInterval, t.interval)
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.running.Store(true)
	defer t.running.Store(false)

	t.logger.Info("Maintenance task started", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Maintenance task stopping")
			return ctx.Err()
		case <-ticker.C:
			t.sweepWithWait(ctx)
		}
	}
}

// Stop cancels the loop and waits up to the grace period for an in-flight
// sweep to finish.
func (t *Task) Stop() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return ErrNotStarted
	}
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("Maintenance task stopped")
		return nil
	case <-time.After(t.grace):
		t.logger.Warn("Maintenance task shutdown timeout exceeded", "grace", t.grace)
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, t.grace)
	}
}

// Run starts the loop and stops it once ctx is done. A cancelled context is
// a clean exit.
func (t *Task) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		stopErr := t.Stop()
		<-errCh
		if errors.Is(stopErr, ErrShutdownTimeout) {
			return stopErr
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

func (t *Task) sweepWithWait(ctx context.Context) {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	if _, err := t.Sweep(ctx); err != nil {
		t.logger.Error("Maintenance sweep failed", "error", err)
	}
}

// Sweep runs one cleanup pass. A panic inside the sweeper is recovered and
// reported as ErrSweepPanic.
func (t *Task) Sweep(ctx context.Context) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "maintenance.Sweep")
	defer span.End()

	res.StartedAt = time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSweepPanic, r)
		}
		res.Duration = time.Since(res.StartedAt)
		t.record(ctx, res, err)
		if err != nil {
			span.RecordError(err)
		}
	}()

	res.Expired, err = t.sweeper.CleanupExpired(ctx)
	res.Trimmed = t.sweeper.TrimLocal()
	if err != nil {
		return res, err
	}

	t.logger.Info("Maintenance sweep finished",
		"expired", res.Expired,
		"trimmed", res.Trimmed,
		"duration", time.Since(res.StartedAt))
	return res, nil
}

func (t *Task) record(ctx context.Context, res Result, err error) {
	t.sweeps.Add(1)
	outcome := "ok"
	if err != nil {
		t.failures.Add(1)
		outcome = "error"
	}
	telemetry.Inc(ctx, t.metrics.MaintenanceSweeps, attribute.String("result", outcome))

	t.lastMu.Lock()
	t.last = res
	t.lastErr = err
	t.lastMu.Unlock()
}

func (t *Task) Status() Status {
	t.lastMu.RLock()
	defer t.lastMu.RUnlock()

	st := Status{
		Running:   t.running.Load(),
		Sweeps:    t.sweeps.Load(),
		Failures:  t.failures.Load(),
		LastSweep: t.last,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}
