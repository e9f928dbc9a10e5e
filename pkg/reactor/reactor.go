// Package reactor is the single-threaded control loop of the recovery
// host. Timers and work submitted from other goroutines all run on one
// dispatch goroutine, so handlers never run concurrently with each
// other.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	perrors "klipper-plr/pkg/errors"
	"klipper-plr/pkg/log"
)

// Wake times.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrTimeout       = errors.New("reactor: operation timed out")
	ErrQueueFull     = errors.New("reactor: async queue full")
)

// maxSleep bounds one idle wait so clock adjustments are noticed.
const maxSleep = time.Second

// TimerCallback runs at eventtime and returns the next wake time, or
// NEVER to park the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
}

type asyncItem struct {
	fn func(eventtime float64) (interface{}, error)
	c  *Completion
}

// Completion carries the result of work run on the loop.
type Completion struct {
	result interface{}
	err    error
	done   chan struct{}
	once   sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done is closed once the result is set.
func (c *Completion) Done() <-chan struct{} { return c.done }

func (c *Completion) complete(result interface{}, err error) {
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
	})
}

// Wait blocks until the result is set or ctx ends.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reactor dispatches timers and submitted work on one goroutine.
type Reactor struct {
	mu       sync.Mutex
	timers   []*Timer
	nextID   uint64
	nextWake float64

	asyncQueue chan asyncItem
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup
	logger  *log.Logger

	startTime time.Time
}

// New creates a stopped reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:   NEVER,
		asyncQueue: make(chan asyncItem, 256),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.GetLogger("reactor"),
		startTime:  time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer adds a timer first firing at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	r.nextID++
	t := &Timer{id: r.nextID, callback: callback, waketime: waketime}
	r.timers = append(r.timers, t)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.poke()
	return t
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	timer.waketime = NEVER
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer moves a timer's wake time. Called from within the
// timer's own callback, the callback's return value wins if earlier.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	r.mu.Lock()
	timer.waketime = waketime
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()
	r.poke()
}

// Waketime returns the timer's current wake time.
func (r *Reactor) Waketime(timer *Timer) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return timer.waketime
}

// Submit queues fn to run on the loop and returns its completion. It is
// safe to call from any goroutine.
func (r *Reactor) Submit(fn func(eventtime float64) (interface{}, error)) *Completion {
	c := newCompletion()
	if r.ctx.Err() != nil {
		c.complete(nil, ErrReactorClosed)
		return c
	}
	select {
	case r.asyncQueue <- asyncItem{fn: fn, c: c}:
		r.poke()
	default:
		c.complete(nil, ErrQueueFull)
	}
	return c
}

// Call runs fn on the loop and waits for it.
func (r *Reactor) Call(ctx context.Context, fn func(eventtime float64) (interface{}, error)) (interface{}, error) {
	return r.Submit(fn).Wait(ctx)
}

// Run starts the dispatch goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the loop; pending submissions complete with
// ErrReactorClosed.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch goroutine exits.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Context is cancelled when the reactor ends.
func (r *Reactor) Context() context.Context { return r.ctx }

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()
	defer r.drain()

	for r.running.Load() {
		r.processAsync()
		delay := r.checkTimers(r.Monotonic())
		if delay <= 0 {
			continue
		}
		d := time.Duration(delay * float64(time.Second))
		if d > maxSleep {
			d = maxSleep
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-r.wake:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

func (r *Reactor) drain() {
	for {
		select {
		case item := <-r.asyncQueue:
			item.c.complete(nil, ErrReactorClosed)
		default:
			return
		}
	}
}

func (r *Reactor) processAsync() {
	for {
		select {
		case item := <-r.asyncQueue:
			ok := r.guard("async callback", func() {
				res, err := item.fn(r.Monotonic())
				item.c.complete(res, err)
			})
			if !ok {
				item.c.complete(nil, perrors.RuntimeError("async callback panicked"))
			}
		default:
			return
		}
	}
}

// guard runs fn, turning a panic into a logged error so one bad
// handler cannot stop the loop.
func (r *Reactor) guard(what string, fn func()) (ok bool) {
	defer func() {
		if err := perrors.FromPanic(recover()); err != nil {
			r.logger.WithError(err).Error(what + " panicked")
			ok = false
		}
	}()
	fn()
	return true
}

// checkTimers fires due timers and returns the delay until the next.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := append([]*Timer(nil), r.timers...)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, t := range timers {
		r.mu.Lock()
		due := eventtime >= t.waketime
		if due {
			t.waketime = NEVER
		}
		r.mu.Unlock()

		if due {
			next := NEVER
			if !r.guard("timer", func() { next = t.callback(eventtime) }) {
				next = NEVER
			}
			r.mu.Lock()
			if next < t.waketime {
				t.waketime = next
			}
			r.mu.Unlock()
		}

		r.mu.Lock()
		if t.waketime < r.nextWake {
			r.nextWake = t.waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
