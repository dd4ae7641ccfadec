package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/etl-loader/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a job of the given type may be available or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, jobType model.JobType) error
}

// Notifier fans job-available wakeups out to idle workers.
type Notifier interface {
	Subscribe(jobType model.JobType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure DefaultNotifier.
type NotifierOptions struct {
	Waiter Waiter
	// WaitWindow bounds one wait so idle workers re-poll even without wakeups.
	WaitWindow time.Duration
	// Backoff is the pause after a failed wait.
	Backoff time.Duration
}

type typeHub struct {
	cancel context.CancelFunc
	subs   map[chan struct{}]struct{}
}

// DefaultNotifier runs one listener goroutine per subscribed job type.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu   sync.Mutex
	hubs map[model.JobType]*typeHub
}

// NewNotifier builds a DefaultNotifier.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		hubs:       make(map[model.JobType]*typeHub),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = time.Minute
	}
	if n.backoff <= 0 {
		n.backoff = 250 * time.Millisecond
	}
	return n, nil
}

// Subscribe registers a wakeup channel for jobType. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (n *DefaultNotifier) Subscribe(jobType model.JobType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hub, ok := n.hubs[jobType]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		hub = &typeHub{cancel: cancel, subs: make(map[chan struct{}]struct{})}
		n.hubs[jobType] = hub
		go n.listen(ctx, jobType)
	}

	ch := make(chan struct{}, 1)
	hub.subs[ch] = struct{}{}

	return func() { n.unsubscribe(jobType, ch) }, ch
}

func (n *DefaultNotifier) unsubscribe(jobType model.JobType, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hub, ok := n.hubs[jobType]
	if !ok {
		return
	}
	if _, ok := hub.subs[ch]; !ok {
		return
	}
	delete(hub.subs, ch)
	drainAndClose(ch)
	if len(hub.subs) == 0 {
		hub.cancel()
		delete(n.hubs, jobType)
	}
}

// StopAll cancels every listener and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for jobType, hub := range n.hubs {
		hub.cancel()
		for ch := range hub.subs {
			drainAndClose(ch)
		}
		delete(n.hubs, jobType)
	}
}

func (n *DefaultNotifier) listen(ctx context.Context, jobType model.JobType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, jobType)
		cancel()

		// Wake subscribers on timeouts too so they re-poll the queue.
		n.broadcast(jobType)

		if err == nil || ctx.Err() != nil {
			continue
		}
		timer := time.NewTimer(n.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (n *DefaultNotifier) broadcast(jobType model.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hub, ok := n.hubs[jobType]
	if !ok {
		return
	}
	for ch := range hub.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

// LocalWaiter is an in-process Waiter signalled directly by a queue
// implementation that has no external notification channel.
type LocalWaiter struct {
	mu      sync.Mutex
	signals map[model.JobType]chan struct{}
}

// NewLocalWaiter constructs an empty LocalWaiter.
func NewLocalWaiter() *LocalWaiter {
	return &LocalWaiter{signals: make(map[model.JobType]chan struct{})}
}

func (w *LocalWaiter) signal(jobType model.JobType) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.signals[jobType]
	if !ok {
		ch = make(chan struct{}, 1)
		w.signals[jobType] = ch
	}
	return ch
}

// Notify records that a job of jobType became available.
func (w *LocalWaiter) Notify(jobType model.JobType) {
	select {
	case w.signal(jobType) <- struct{}{}:
	default:
	}
}

// WaitForNotification implements Waiter.
func (w *LocalWaiter) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.signal(jobType):
		return nil
	}
}

var (
	_ Notifier = (*DefaultNotifier)(nil)
	_ Waiter   = (*LocalWaiter)(nil)
)
