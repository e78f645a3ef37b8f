package wslogs

import (
	"sync"
	"time"
)

// batchHint sizes the pending buffer. A typical dispatch logs a few dozen
// lines between fan-out and merge, so this avoids growth in the common case.
const batchHint = 32

// Batcher collects the log lines produced while one dispatch runs, so they
// reach the UI as a single block instead of interleaving with other queries.
type Batcher struct {
	mu        sync.Mutex
	pending   []Message
	queryID   string
	transport *Transport
}

// NewBatcher creates a batcher tagged with the dispatch's query ID.
func NewBatcher(queryID string, transport *Transport) *Batcher {
	return &Batcher{
		pending:   make([]Message, 0, batchHint),
		queryID:   queryID,
		transport: transport,
	}
}

// Append adds a log line to the pending batch.
func (b *Batcher) Append(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, msg)
}

// Flush sends everything collected so far as one batch and starts a fresh
// buffer. The flushed slice is handed to the batch outright: reusing it
// would let later appends scribble over lines a client is still reading.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	out := b.pending
	b.pending = make([]Message, 0, batchHint)
	b.mu.Unlock()

	b.transport.SendBatch(&Batch{
		Messages:  out,
		QueryID:   b.queryID,
		Timestamp: time.Now(),
	})
}

// Count returns the number of lines waiting to be flushed.
func (b *Batcher) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
