package wslogs

import (
	"sync"
	"sync/atomic"
)

// Transport fans log batches out to connected UI clients. Each client
// registers a buffered channel; a stalled tab must not stall a dispatch,
// so sends are non-blocking and losses are counted rather than waited out.
type Transport struct {
	mu      sync.RWMutex
	subs    map[string]chan<- *Batch
	dropped atomic.Uint64
}

// NewTransport creates an empty transport with no subscribers.
func NewTransport() *Transport {
	return &Transport{
		subs: make(map[string]chan<- *Batch),
	}
}

// RegisterClient subscribes a client channel to log batches. The channel
// needs enough buffering to ride out bursts; full channels lose batches.
func (t *Transport) RegisterClient(id string, ch chan<- *Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[id] = ch
}

// UnregisterClient removes a subscriber. Unknown IDs are a no-op.
func (t *Transport) UnregisterClient(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// SendBatch delivers a batch to every subscriber. Nil and empty batches
// are skipped. A subscriber whose channel is full misses this batch.
func (t *Transport) SendBatch(batch *Batch) {
	if batch == nil || len(batch.Messages) == 0 {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ch := range t.subs {
		select {
		case ch <- batch:
		default:
			t.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of registered subscribers.
func (t *Transport) ClientCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Dropped returns how many batch deliveries have been lost to full
// subscriber channels since the transport was created.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}
