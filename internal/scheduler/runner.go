package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kimssss/kis-autotrader/internal/broker"
	"github.com/Kimssss/kis-autotrader/internal/config"
	"github.com/Kimssss/kis-autotrader/internal/marketclock"
	"github.com/Kimssss/kis-autotrader/internal/observ"
)

// State is the runner lifecycle state.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// Cycler runs one trade cycle. Satisfied by *strategy.Engine.
type Cycler interface {
	Cycle(ctx context.Context) error
}

// Runner drives trade cycles from a single background worker, strictly
// sequentially. Pause, resume, stop and the manual trigger are external
// signals observed promptly, including while the worker sleeps between
// cycles.
type Runner struct {
	engine Cycler
	cfg    config.Runner
	log    zerolog.Logger

	now        func() time.Time
	marketOpen func(time.Time) bool

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	kick chan struct{}
}

func NewRunner(engine Cycler, cfg config.Runner, log zerolog.Logger) *Runner {
	return &Runner{
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("component", "runner").Logger(),
		now:    time.Now,
		marketOpen: func(t time.Time) bool {
			return marketclock.ActiveMarkets(t).Domestic
		},
		state: StateStopped,
		kick:  make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the worker. It errors if the runner is already live.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		return fmt.Errorf("runner already %s", r.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = StateRunning
	go r.run(runCtx)

	r.log.Info().Msg("runner started")
	return nil
}

// Pause suspends cycle execution; the worker keeps polling for resume.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		r.state = StatePaused
		r.log.Info().Msg("runner paused")
	}
}

// Resume lifts a pause.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StatePaused {
		r.state = StateRunning
		r.log.Info().Msg("runner resumed")
	}
}

// Stop cancels the worker and waits for it to exit. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

// Done returns a channel closed when the worker exits, whether through Stop
// or a fatal failure inside the loop. Nil before Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// RunOnce asks the worker to run a cycle immediately, bypassing the market
// check for that one pass. No-op if a trigger is already pending.
func (r *Runner) RunOnce() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.state = StateStopped
		close(r.done)
		r.mu.Unlock()
		r.log.Info().Msg("runner stopped")
	}()

	forced := false
	for ctx.Err() == nil {
		if r.State() == StatePaused {
			forced = false
			// poll without draining the trigger channel, so a RunOnce
			// issued while paused still fires after resume
			r.pauseWait(ctx, time.Duration(r.cfg.PausePollSec)*time.Second)
			continue
		}

		if !forced && !r.marketOpen(r.now()) {
			r.log.Debug().Msg("market closed, idling")
			forced = r.sleep(ctx, time.Duration(r.cfg.IdleIntervalSec)*time.Second)
			continue
		}
		forced = false

		err := r.engine.Cycle(ctx)
		switch {
		case err == nil:
			observ.CyclesTotal.WithLabelValues("ok").Inc()
			forced = r.sleep(ctx, time.Duration(r.cfg.CheckIntervalSec)*time.Second)
		case isAuthFailure(err):
			observ.CyclesTotal.WithLabelValues("auth_error").Inc()
			r.log.Error().Err(err).Msg("authentication failed, stopping runner")
			return
		case ctx.Err() != nil:
			return
		default:
			observ.CyclesTotal.WithLabelValues("error").Inc()
			r.log.Error().Err(err).Int("cooldown_seconds", r.cfg.CooldownSec).Msg("cycle failed, cooling down")
			forced = r.sleep(ctx, time.Duration(r.cfg.CooldownSec)*time.Second)
		}
	}
}

// pauseWait waits for d or cancellation, ignoring the manual trigger.
func (r *Runner) pauseWait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// sleep waits for d, waking early on cancellation or a manual trigger. It
// reports whether a trigger cut the wait short.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.kick:
		return true
	case <-t.C:
		return false
	}
}

func isAuthFailure(err error) bool {
	var ae *broker.AuthError
	return errors.As(err, &ae)
}
