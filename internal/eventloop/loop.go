// Package eventloop provides the single asynchronous execution context that
// services timers and network completions. Callbacks never block; blocking
// work runs on its own goroutine and posts its completion back.
package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/fruitsync/internal/logging"
)

// ErrStopped is returned by Invoke once the loop has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// callback was still pending.
	Stop() bool
}

// Scheduler is what loop-bound components need from the loop.
type Scheduler interface {
	// Post queues fn to run on the loop. It reports false when the loop
	// no longer accepts work.
	Post(fn func()) bool
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Done is closed once the loop has stopped. Posted callbacks that had
	// not started by then never run, so waiters must select on it.
	Done() <-chan struct{}
}

// Loop executes posted callbacks one at a time, in FIFO order, on a single
// goroutine.
type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a loop. Call Start before posting work that must run.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		log:  logging.Named(logger, "eventloop"),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Stop terminates the loop and waits for the running callback to finish.
// Queued callbacks that have not started are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.stop)
	})
	l.startOnce.Do(func() { close(l.done) })
	<-l.done
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn. Safe from any goroutine, including loop callbacks.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Invoke runs fn on the loop and waits for it to return. It must not be
// called from a loop callback.
func (l *Loop) Invoke(fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// AfterFunc schedules fn to be posted to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.fired.Store(true)
			fn()
		})
	})
	return t
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 || l.stopped {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.call(fn)
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	wasPending := !t.fired.Load() && !t.stopped.Load()
	t.stopped.Store(true)
	return wasPending
}
