package wslogs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subscribe wires a fresh transport with one listening channel, the shape
// every connected UI client takes in the server.
func subscribe(t *testing.T, buffer int) (*Transport, chan *Batch) {
	t.Helper()
	transport := NewTransport()
	ch := make(chan *Batch, buffer)
	transport.RegisterClient("ui_tab_1", ch)
	return transport, ch
}

func receiveBatch(t *testing.T, ch chan *Batch) *Batch {
	t.Helper()
	select {
	case batch := <-ch:
		return batch
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for log batch")
		return nil
	}
}

func assertNoBatch(t *testing.T, ch chan *Batch) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("received a batch that should not have been sent")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBatcherCollectsAndFlushes(t *testing.T) {
	transport, ch := subscribe(t, 1)
	batcher := NewBatcher("q_1748779200000000000", transport)

	assert.Equal(t, 0, batcher.Count())

	batcher.Append(Message{Level: "INFO", Logger: "server", Message: "Processing dispatch"})
	batcher.Append(Message{Level: "DEBUG", Logger: "cascade", Message: "Engine completed"})
	require.Equal(t, 2, batcher.Count())

	batcher.Flush()

	batch := receiveBatch(t, ch)
	assert.Equal(t, "q_1748779200000000000", batch.QueryID)
	assert.False(t, batch.Timestamp.IsZero())
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "Processing dispatch", batch.Messages[0].Message)
	assert.Equal(t, "Engine completed", batch.Messages[1].Message)

	assert.Equal(t, 0, batcher.Count(), "flush should leave the buffer empty")
}

func TestBatcherEmptyFlushSendsNothing(t *testing.T) {
	transport, ch := subscribe(t, 1)
	batcher := NewBatcher("q_1748779200000000001", transport)

	batcher.Flush()
	assertNoBatch(t, ch)
}

// A flushed batch is read by writePump some time after Flush returns.
// Lines appended for the next flush must not show up in, or overwrite,
// the batch already handed off.
func TestBatcherFlushedBatchIsImmutable(t *testing.T) {
	transport, ch := subscribe(t, 2)
	batcher := NewBatcher("q_1748779200000000002", transport)

	batcher.Append(Message{Message: "Processing dispatch"})
	batcher.Flush()
	first := receiveBatch(t, ch)

	for i := 0; i < 10; i++ {
		batcher.Append(Message{Message: fmt.Sprintf("Engine completed (%d)", i)})
	}
	batcher.Flush()
	second := receiveBatch(t, ch)

	require.Len(t, first.Messages, 1)
	assert.Equal(t, "Processing dispatch", first.Messages[0].Message)
	require.Len(t, second.Messages, 10)
	assert.Equal(t, "Engine completed (0)", second.Messages[0].Message)
}

func TestBatcherReusableAcrossFlushes(t *testing.T) {
	transport, ch := subscribe(t, 3)
	batcher := NewBatcher("q_1748779200000000003", transport)

	for _, n := range []int{2, 1, 3} {
		for i := 0; i < n; i++ {
			batcher.Append(Message{Message: "line"})
		}
		batcher.Flush()
		batch := receiveBatch(t, ch)
		assert.Len(t, batch.Messages, n)
		assert.Equal(t, "q_1748779200000000003", batch.QueryID)
	}
}

func TestBatcherPreservesAppendOrder(t *testing.T) {
	transport, ch := subscribe(t, 1)
	batcher := NewBatcher("q_1748779200000000004", transport)

	const lines = 100
	for i := 0; i < lines; i++ {
		batcher.Append(Message{
			Message: "line",
			Fields:  map[string]interface{}{"sequence": i},
		})
	}
	batcher.Flush()

	batch := receiveBatch(t, ch)
	require.Len(t, batch.Messages, lines)
	for i, msg := range batch.Messages {
		assert.Equal(t, i, msg.Fields["sequence"])
	}
}

func TestBatcherConcurrentAppends(t *testing.T) {
	transport, ch := subscribe(t, 1)
	batcher := NewBatcher("q_1748779200000000005", transport)

	var wg sync.WaitGroup
	const goroutines, perGoroutine = 10, 20
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				batcher.Append(Message{Level: "DEBUG", Logger: "cascade", Message: "Engine completed"})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, goroutines*perGoroutine, batcher.Count())
	batcher.Flush()
	assert.Len(t, receiveBatch(t, ch).Messages, goroutines*perGoroutine)
}
