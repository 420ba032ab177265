package queue

import (
	"sync"
	"time"
)

// notifier coalesces progress changes into at most one publication per
// interval. A pending flag guards the single armed timer; nothing is
// cancelled, the timer is simply not re-armed while one is pending.
type notifier struct {
	mu          sync.Mutex
	interval    time.Duration
	pending     bool
	closed      bool
	timer       *time.Timer
	dispatch    func(func())
	onProgress  func()
	subscribers map[int]chan struct{}
	nextID      int
}

func newNotifier(interval time.Duration, dispatch func(func()), onProgress func()) *notifier {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &notifier{
		interval:    interval,
		dispatch:    dispatch,
		onProgress:  onProgress,
		subscribers: make(map[int]chan struct{}),
	}
}

// notify schedules a publication unless one is already pending.
func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pending || n.closed {
		return
	}
	n.pending = true
	n.timer = time.AfterFunc(n.interval, n.fire)
}

func (n *notifier) fire() {
	n.mu.Lock()
	n.pending = false
	n.timer = nil
	if n.closed {
		n.mu.Unlock()
		return
	}
	subs := make([]chan struct{}, 0, len(n.subscribers))
	for _, ch := range n.subscribers {
		subs = append(subs, ch)
	}
	onProgress := n.onProgress
	n.mu.Unlock()

	n.dispatch(func() {
		for _, ch := range subs {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		if onProgress != nil {
			onProgress()
		}
	})
}

// subscribe registers an observer. The channel carries no payload; a receive
// means "re-read progress". Unread signals collapse into one.
func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan struct{}, 1)
	n.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subscribers, id)
		})
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = false
}

// fraction computes 1 - remaining/total clamped to [0,1]; an empty total is
// complete.
func fraction(remaining, total int) float64 {
	if total <= 0 {
		return 1
	}
	f := 1 - float64(remaining)/float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
