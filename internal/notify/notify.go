package notify

import (
	"sync"

	"kiaansync/internal/models"
)

// Listener observes offline-state snapshots.
type Listener func(models.OfflineState)

type subscriber struct {
	id int64
	fn Listener
}

// Notifier is the subscription surface over the offline state. Dispatch is
// synchronous and in subscription order; every listener sees each logical
// state change exactly once, starting with the snapshot current at
// subscribe time.
type Notifier struct {
	mu    sync.Mutex
	state models.OfflineState
	subs  []subscriber
	next  int64
}

// New builds a notifier seeded with the initial state.
func New(initial models.OfflineState) *Notifier {
	return &Notifier{state: initial}
}

// State returns a defensive copy of the current snapshot.
func (n *Notifier) State() models.OfflineState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Clone()
}

// Subscribe registers a listener and immediately invokes it with the
// current snapshot, so subscribers never observe an uninitialized gap.
// The returned function removes the listener; calling it during a
// notification round is safe and does not disturb other deliveries.
func (n *Notifier) Subscribe(fn Listener) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs = append(n.subs, subscriber{id: id, fn: fn})
	// Initial dispatch happens under the lock so a concurrent Update cannot
	// deliver a newer snapshot ahead of the subscribe-time one.
	fn(n.state.Clone())
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, sub := range n.subs {
			if sub.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// Update applies the mutation under lock and delivers the resulting
// snapshot to every listener subscribed at mutation time.
func (n *Notifier) Update(mutate func(*models.OfflineState)) {
	n.mu.Lock()
	mutate(&n.state)
	snapshot := n.state.Clone()
	subs := append([]subscriber(nil), n.subs...)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snapshot.Clone())
	}
}
