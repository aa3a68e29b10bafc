package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// AnyQueue subscribes to wake-ups for every queue.
const AnyQueue = ""

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until work may have become available on queue, or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, queue string) error
}

// Notifier fans queue wake-ups out to idle workers.
type Notifier interface {
	Subscribe(queue string) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier runs one listener goroutine per subscribed queue and
// broadcasts to every subscriber of that queue.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[string]map[chan struct{}]struct{}
	listeners map[string]context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = time.Minute
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[string]map[chan struct{}]struct{}),
		listeners:  make(map[string]context.CancelFunc),
	}, nil
}

// Subscribe registers interest in queue. The returned channel receives a
// coalesced signal per wake-up and is closed by the returned cancel func.
func (n *DefaultNotifier) Subscribe(queue string) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[queue]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[queue] = cancel
		go n.listen(ctx, queue)
	}

	ch := make(chan struct{}, 1)
	if n.subs[queue] == nil {
		n.subs[queue] = make(map[chan struct{}]struct{})
	}
	n.subs[queue][ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() { n.unsubscribe(queue, ch) })
	}
	return unsub, ch
}

func (n *DefaultNotifier) unsubscribe(queue string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subscribers := n.subs[queue]
	if _, ok := subscribers[ch]; !ok {
		return
	}
	delete(subscribers, ch)
	drainAndClose(ch)
	if len(subscribers) == 0 {
		if cancel, ok := n.listeners[queue]; ok {
			cancel()
			delete(n.listeners, queue)
		}
		delete(n.subs, queue)
	}
}

// StopAll cancels every listener and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for queue, cancel := range n.listeners {
		cancel()
		delete(n.listeners, queue)
	}
	for queue, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, queue)
	}
}

func (n *DefaultNotifier) listen(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, queue)
		cancel()

		// Timeouts wake subscribers too so they re-poll for delayed retries.
		n.broadcast(queue)

		if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered signal before closing so receivers
// observe a closed channel immediately.
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

var _ Notifier = (*DefaultNotifier)(nil)
