package session

import (
	"sync"
	"time"
)

// Kind distinguishes why a session was started.
type Kind string

const (
	// KindInitial is the first full sweep after sign-in.
	KindInitial Kind = "initial"
	// KindBackground is a periodic sweep started by the daemon.
	KindBackground Kind = "background"
	// KindManual is a user-triggered sweep.
	KindManual Kind = "manual"
)

// State is the externally observable session state.
type State string

const (
	// StateInProgress means a session is claiming and uploading.
	StateInProgress State = "in_progress"
	// StateCompleted means the last session drained the queue.
	StateCompleted State = "completed"
	// StateFailed means the last session terminated after repeated cycle
	// errors.
	StateFailed State = "failed"
)

// Status is the session read model other components poll or subscribe to.
// It is updated only by the controller goroutine; workers report outcomes
// through a channel funneled into it.
type Status struct {
	SessionID   string    `json:"session_id"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Pending     int       `json:"pending"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	CurrentItem string    `json:"current_item,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// notifier implements the status pub/sub. Listeners receive a snapshot on
// every status change; slow listeners only delay the controller, so they
// should hand off quickly (the dashboard copies onto a send queue).
type notifier struct {
	mu        sync.Mutex
	listeners map[int]func(Status)
	nextID    int
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[int]func(Status))}
}

// subscribe registers fn and returns an unsubscribe function.
func (n *notifier) subscribe(fn func(Status)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// publish delivers the snapshot to all current listeners.
func (n *notifier) publish(status Status) {
	n.mu.Lock()
	fns := make([]func(Status), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}
