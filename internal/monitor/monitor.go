// Package monitor implements the forwarding loop between the Thermod
// daemon and the MQTT broker: long-poll the daemon for status changes,
// publish each change, and force a periodic full republish (the
// teleperiod) so subscribers that missed retained state converge.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/droscy/thermod-monitor-mqtt/internal/thermod"
)

// StatusSource provides Thermod status documents. Satisfied by
// thermod.Client.
type StatusSource interface {
	// GetStatus returns the current status immediately.
	GetStatus(ctx context.Context) (*thermod.Status, error)
	// Monitor blocks until the status changes, then returns it. A
	// context deadline error means "no change yet".
	Monitor(ctx context.Context, name string) (*thermod.Status, error)
}

// Sink receives status documents for publishing. Satisfied by
// mqtt.Publisher.
type Sink interface {
	PublishStatus(ctx context.Context, st *thermod.Status) error
}

// Recorder appends forwarded readings to the local history log.
// Satisfied by history.Store. Optional.
type Recorder interface {
	Append(st *thermod.Status) error
}

// Config tunes the forwarding loop.
type Config struct {
	// MonitorName identifies this monitor to the daemon's long-poll
	// endpoint.
	MonitorName string
	// Teleperiod is the forced republish interval.
	Teleperiod time.Duration
	// PollInterval is the fixed polling interval used when the daemon
	// does not support long-polling.
	PollInterval time.Duration
	// InitialBackoff and MaxBackoff bound the retry delay after daemon
	// errors (defaults 2s / 60s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Monitor is the forwarding loop. Create with New, run with Run.
type Monitor struct {
	src    StatusSource
	sink   Sink
	rec    Recorder
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	last *thermod.Status

	// longPoll is cleared when the daemon answers /monitor with 404
	// (older Thermod); the loop then degrades to interval polling.
	longPoll bool
}

// New creates a forwarding loop. rec may be nil to disable the local
// reading log.
func New(src StatusSource, sink Sink, rec Recorder, cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Monitor{
		src:      src,
		sink:     sink,
		rec:      rec,
		cfg:      cfg,
		logger:   cfg.Logger,
		longPoll: true,
	}
}

// LastStatus returns the most recently forwarded status, or nil before
// the first successful fetch.
func (m *Monitor) LastStatus() *thermod.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run executes the forwarding loop until ctx is cancelled. It returns
// nil on cancellation; daemon and broker errors are retried with
// backoff, never fatal.
func (m *Monitor) Run(ctx context.Context) error {
	// Initial fetch: retry with backoff until the daemon answers.
	st, ok := m.fetchInitial(ctx)
	if !ok {
		return nil // cancelled
	}
	m.forward(ctx, st, "initial status")

	// Teleperiod: forced republish in its own goroutine so a blocked
	// long-poll cannot delay it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.teleperiodLoop(ctx)
	}()

	m.pollLoop(ctx)
	wg.Wait()
	return nil
}

// fetchInitial polls GetStatus with backoff until it succeeds or ctx is
// cancelled.
func (m *Monitor) fetchInitial(ctx context.Context) (*thermod.Status, bool) {
	delay := m.cfg.InitialBackoff
	for {
		st, err := m.src.GetStatus(ctx)
		if err == nil {
			return st, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		m.logger.Warn("initial status fetch failed, retrying",
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return nil, false
		}
		delay = min(delay*2, m.cfg.MaxBackoff)
	}
}

// pollLoop repeatedly waits for status changes and forwards them.
func (m *Monitor) pollLoop(ctx context.Context) {
	delay := m.cfg.InitialBackoff
	for ctx.Err() == nil {
		st, err := m.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Long-poll window elapsed without a change.
				continue
			}
			if errors.Is(err, thermod.ErrNotFound) && m.longPoll {
				m.longPoll = false
				m.logger.Info("daemon does not support long-polling, using interval polling",
					"interval", m.cfg.PollInterval.String(),
				)
				continue
			}
			m.logger.Warn("status poll failed, backing off",
				"next_delay", delay.String(),
				"error", err,
			)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, m.cfg.MaxBackoff)
			continue
		}
		delay = m.cfg.InitialBackoff

		m.mu.Lock()
		changed := !st.Equal(m.last)
		m.mu.Unlock()
		if !changed {
			continue
		}
		m.forward(ctx, st, "status changed")
	}
}

// next obtains the next status document: a long-poll when supported, a
// fixed-interval GetStatus otherwise.
func (m *Monitor) next(ctx context.Context) (*thermod.Status, error) {
	if m.longPoll {
		return m.src.Monitor(ctx, m.cfg.MonitorName)
	}
	if !sleepCtx(ctx, m.cfg.PollInterval) {
		return nil, ctx.Err()
	}
	return m.src.GetStatus(ctx)
}

// teleperiodLoop forces a full fetch-and-publish every teleperiod, even
// when nothing changed.
func (m *Monitor) teleperiodLoop(ctx context.Context) {
	if m.cfg.Teleperiod <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Teleperiod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := m.src.GetStatus(ctx)
			if err != nil {
				m.logger.Warn("teleperiod fetch failed", "error", err)
				continue
			}
			m.forward(ctx, st, "teleperiod")
		}
	}
}

// forward publishes one status document and appends it to the history
// log. Publish errors are logged, not fatal: autopaho reconnects in the
// background and the next change or teleperiod delivers fresh state.
func (m *Monitor) forward(ctx context.Context, st *thermod.Status, reason string) {
	m.mu.Lock()
	m.last = st
	m.mu.Unlock()

	if err := m.sink.PublishStatus(ctx, st); err != nil {
		m.logger.Warn("status publish failed",
			"reason", reason,
			"error", err,
		)
	} else {
		m.logger.Info("status forwarded",
			"reason", reason,
			"status", st.Status,
			"temperature", st.CurrentTemperature,
			"target", st.TargetTemperature,
			"heating", st.Heating(),
		)
	}

	if m.rec != nil {
		if err := m.rec.Append(st); err != nil {
			m.logger.Warn("history append failed", "error", err)
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
