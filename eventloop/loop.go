// Package eventloop drives a chain from a single goroutine: a periodic
// tick, the earliest unit timer, and the wait handles of asynchronous
// units all lead to a Tick.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/ashuang/camunits-sub002/chain"
)

// DefaultTickInterval is the fallback poll period.
const DefaultTickInterval = 10 * time.Millisecond

var ErrStopped = errors.New("eventloop: loop not running")

// Config configures a Loop. Zero values select defaults.
type Config struct {
	TickInterval time.Duration
	Clock        clock.Clock

	// OnError receives pump errors (unit faults). The loop keeps running.
	OnError func(error)
}

// Stats are cumulative loop counters.
type Stats struct {
	Ticks     uint64 // wakeups from the periodic timer or a unit timer
	Wakes     uint64 // wakeups from an asynchronous unit
	Frames    uint64 // frames delivered by the chain
	Errors    uint64 // pump errors
	Submitted uint64 // functions run through Do
}

// Loop owns the chain goroutine.
type Loop struct {
	chain  *chain.Chain
	cfg    Config
	submit chan func()
	logger *slog.Logger

	running atomic.Bool
	done    chan struct{}

	ticks, wakes, frames, errs, submitted atomic.Uint64
}

// New returns a loop for c.
func New(c *chain.Chain, cfg Config) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Loop{
		chain:  c,
		cfg:    cfg,
		submit: make(chan func()),
		logger: slog.Default().With("chain", c.ID()[:8]),
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is done. It must be called once.
//
// Each iteration waits for the first of:
//   - ctx cancellation (returns nil)
//   - the periodic tick or the earliest unit event time
//   - a function submitted with Do
//   - a readable wait handle
//
// and then, except for Do, ticks the chain.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("eventloop: Run called twice")
	}
	defer close(l.done)
	l.logger.Info("eventloop: started", "tick_interval", l.cfg.TickInterval)

	const (
		caseDone = iota
		caseTimer
		caseSubmit
		firstHandle
	)

	for {
		wait := l.cfg.TickInterval
		if next := l.chain.NextEventTime(); !next.IsZero() {
			if d := next.Sub(l.cfg.Clock.Now()); d < wait {
				wait = max(d, 0)
			}
		}
		timer := l.cfg.Clock.NewTimer(wait)

		handles := l.chain.WaitHandles()
		cases := make([]reflect.SelectCase, firstHandle, firstHandle+len(handles))
		cases[caseDone] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
		cases[caseTimer] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.Chan())}
		cases[caseSubmit] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.submit)}
		for _, h := range handles {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(h.C)})
		}

		chosen, recv, _ := reflect.Select(cases)
		timer.Stop()

		switch chosen {
		case caseDone:
			l.logger.Info("eventloop: stopped")
			return nil
		case caseSubmit:
			l.submitted.Add(1)
			recv.Interface().(func())()
			continue
		case caseTimer:
			l.ticks.Add(1)
		default:
			l.wakes.Add(1)
		}
		l.tick()
	}
}

func (l *Loop) tick() {
	n, err := l.chain.Tick()
	l.frames.Add(uint64(n))
	if err == nil {
		return
	}
	l.errs.Add(1)
	l.logger.Error("eventloop: pump failed", "error", err)
	if l.cfg.OnError != nil {
		l.cfg.OnError(err)
	}
}

// Do runs fn on the loop goroutine and returns its error. Use it for
// structural edits, lifecycle transitions and control changes while the
// loop is running.
func (l *Loop) Do(ctx context.Context, fn func(c *chain.Chain) error) error {
	if !l.running.Load() {
		return ErrStopped
	}
	result := make(chan error, 1)
	task := func() { result <- fn(l.chain) }

	select {
	case l.submit <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TickNow pumps the chain on the loop goroutine.
func (l *Loop) TickNow(ctx context.Context) (int, error) {
	var n int
	err := l.Do(ctx, func(c *chain.Chain) error {
		var err error
		n, err = c.Tick()
		l.frames.Add(uint64(n))
		return err
	})
	return n, err
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:     l.ticks.Load(),
		Wakes:     l.wakes.Load(),
		Frames:    l.frames.Load(),
		Errors:    l.errs.Load(),
		Submitted: l.submitted.Load(),
	}
}
