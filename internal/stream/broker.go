package stream

import "sync"

// Broker fans out entity updates to subscribers keyed by entity id.
// Subscription returns the channel plus an explicit cancel; publishes to
// a slow subscriber are dropped rather than blocking the engine.
type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[chan T]struct{}
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[string]map[chan T]struct{})}
}

const subscriberBuffer = 16

// Subscribe registers interest in one entity id. The returned cancel
// func unregisters and closes the channel; it is safe to call twice.
func (b *Broker[T]) Subscribe(id string) (<-chan T, func()) {
	ch := make(chan T, subscriberBuffer)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan T]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber of id. Full buffers drop the
// update; consumers reconcile via polling.
func (b *Broker[T]) Publish(id string, v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[id] {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribers reports the current subscriber count for an id.
func (b *Broker[T]) Subscribers(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[id])
}
