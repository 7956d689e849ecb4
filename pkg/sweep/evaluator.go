package sweep

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/beatwatch/internal/telemetry"
	"github.com/ryandielhenn/beatwatch/pkg/liveness"
	"github.com/ryandielhenn/beatwatch/pkg/notify"
)

// QuietMessage is rendered when a sweep finds no clients at all.
const QuietMessage = "No heartbeats yet... it's quiet out there"

// Table is the part of *liveness.Table the evaluator needs.
type Table interface {
	SnapshotAlive() []liveness.Entry
	SweepDead(timeout time.Duration) []liveness.DeadEntry
}

// Report is the outcome of one sweep cycle.
type Report struct {
	At    time.Time
	Alive []liveness.Entry
	Dead  []liveness.DeadEntry
}

// Quiet reports whether the sweep saw no clients.
func (r Report) Quiet() bool {
	return len(r.Alive) == 0 && len(r.Dead) == 0
}

// NewlyDead returns the dead entries that should be alerted on.
func (r Report) NewlyDead() []liveness.DeadEntry {
	var out []liveness.DeadEntry
	for _, d := range r.Dead {
		if d.Newly {
			out = append(out, d)
		}
	}
	return out
}

// StillAlive returns the alive entries the sweep did not mark dead. Alive
// is snapshotted before the sweep, so a client that timed out in this
// cycle appears in both Alive and Dead.
func (r Report) StillAlive() []liveness.Entry {
	if len(r.Dead) == 0 {
		return r.Alive
	}
	swept := make(map[string]bool, len(r.Dead))
	for _, d := range r.Dead {
		swept[d.ID] = true
	}
	out := make([]liveness.Entry, 0, len(r.Alive))
	for _, e := range r.Alive {
		if !swept[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

// Sink receives every report, e.g. to mirror it into an external store.
type Sink interface {
	Publish(ctx context.Context, r Report) error
}

type Config struct {
	Timeout time.Duration
	// Period between cycles; zero means Timeout.
	Period time.Duration
}

type Evaluator struct {
	table    Table
	timeout  time.Duration
	period   time.Duration
	notifier notify.Notifier
	logger   *zap.Logger
	out      io.Writer
	sinks    []Sink
	now      func() time.Time
}

type Option func(*Evaluator)

// WithOutput sets the console the cycle is rendered to. Default os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(e *Evaluator) { e.out = w }
}

func WithSinks(sinks ...Sink) Option {
	return func(e *Evaluator) { e.sinks = append(e.sinks, sinks...) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func New(table Table, cfg Config, n notify.Notifier, logger *zap.Logger, opts ...Option) (*Evaluator, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("sweep timeout must be positive, got %s", cfg.Timeout)
	}
	period := cfg.Period
	if period <= 0 {
		period = cfg.Timeout
	}
	if n == nil {
		n = notify.Nop
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		table:    table,
		timeout:  cfg.Timeout,
		period:   period,
		notifier: n,
		logger:   logger.Named("sweep"),
		out:      os.Stdout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run performs a cycle immediately and then once per period until ctx is
// done.
func (e *Evaluator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		e.Cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one evaluation pass: render alive clients, sweep and render
// dead ones, alert on the newly dead, then hand the report to the sinks.
func (e *Evaluator) Cycle(ctx context.Context) Report {
	start := time.Now()
	defer func() {
		telemetry.SweepsTotal.Inc()
		telemetry.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	r := Report{At: e.now()}

	r.Alive = e.table.SnapshotAlive()
	if len(r.Alive) > 0 {
		fmt.Fprintln(e.out, "--- Alive clients ---")
		for _, c := range r.Alive {
			ts := c.LastSeen.Format(notify.TimeLayout)
			fmt.Fprintf(e.out, "%s (Last heartbeat: %s)\n", c.ID, ts)
			e.logger.Info("ALIVE", zap.String("client", c.ID), zap.String("last_seen", ts))
		}
	}

	r.Dead = e.table.SweepDead(e.timeout)
	if len(r.Dead) > 0 {
		fmt.Fprintln(e.out, "--- Dead clients ---")
		for _, c := range r.Dead {
			ts := c.LastSeen.Format(notify.TimeLayout)
			fmt.Fprintf(e.out, "%s (Last heartbeat: %s)\n", c.ID, ts)
			e.logger.Info("DEAD", zap.String("client", c.ID), zap.String("last_seen", ts), zap.Bool("newly", c.Newly))
		}
	}

	for _, c := range r.NewlyDead() {
		e.alert(ctx, c)
	}

	if r.Quiet() {
		fmt.Fprintln(e.out, QuietMessage)
		e.logger.Info("QUIET")
	}

	telemetry.ObserveClients(len(r.StillAlive()), len(r.Dead))

	for _, s := range e.sinks {
		if err := s.Publish(ctx, r); err != nil {
			e.logger.Warn("publish sweep report failed", zap.Error(err))
		}
	}
	return r
}

// alert failures are contained here; the entry stays dead and is not
// retried.
func (e *Evaluator) alert(ctx context.Context, c liveness.DeadEntry) {
	if err := e.notifier.Notify(ctx, c.ID, c.LastSeen); err != nil {
		telemetry.NotificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("alert delivery failed", zap.String("client", c.ID), zap.Error(err))
		return
	}
	telemetry.NotificationsTotal.WithLabelValues("sent").Inc()
	e.logger.Info("alert sent", zap.String("client", c.ID))
}
