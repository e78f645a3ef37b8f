package content

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	scrytest "github.com/teranos/scry/internal/testing"
	"github.com/teranos/scry/pulse/async"
)

func newBatchFixture(t *testing.T) (*BatchHandler, *async.Queue, *Store) {
	t.Helper()
	db := scrytest.CreateMigratedTestDB(t)
	queue := async.NewQueue(db)
	store := NewStore(db)

	resolver := newFakeResolver()
	resolver.add(urlStage{}, time.Second, false)

	handler, err := NewBatchHandler(BatchHandlerOptions{
		Queue:    queue,
		Resolver: resolver,
		Store:    store,
		Logger:   zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	return handler, queue, store
}

func queuedBatchJob(t *testing.T, queue *async.Queue, payload BatchPayload) *async.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job, err := async.NewJobWithPayload(BatchHandlerName, payload.URLs[0], raw, len(payload.URLs), 0)
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(job))
	return job
}

func TestNewBatchHandler_Validation(t *testing.T) {
	_, err := NewBatchHandler(BatchHandlerOptions{Resolver: newFakeResolver()})
	require.Error(t, err, "queue is required")

	_, err = NewBatchHandler(BatchHandlerOptions{Queue: &async.Queue{}})
	require.Error(t, err, "resolver is required")
}

func TestBatchHandler_Name(t *testing.T) {
	handler, _, _ := newBatchFixture(t)
	assert.Equal(t, "content.batch", handler.Name())
}

func TestBatchHandler_ResolvesAndCaptures(t *testing.T) {
	ctx := context.Background()
	handler, queue, store := newBatchFixture(t)

	job := queuedBatchJob(t, queue, BatchPayload{URLs: []string{
		"https://example.com/profile",
		"https://example.com/bad-link",
		"https://example.com/profile?utm_source=x", // dedupes with the first
	}})

	require.NoError(t, handler.Execute(ctx, job))

	// Progress covers the whole input list, terminal in one step.
	assert.Equal(t, 3, job.Progress.Current)
	assert.Equal(t, 3, job.Progress.Total)

	// Both unique pages got a capture: one success, one recorded failure.
	good, err := store.GetPage(ctx, "https://example.com/profile")
	require.NoError(t, err)
	assert.Contains(t, good.Content, "content for https://example.com/profile")
	assert.Empty(t, good.Error)

	bad, err := store.GetPage(ctx, "https://example.com/bad-link")
	require.NoError(t, err)
	assert.NotEmpty(t, bad.Error)
	assert.Empty(t, bad.Content)

	total, failed, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "tracking-parameter variant must not produce a third capture")
	assert.Equal(t, 1, failed)
}

func TestBatchHandler_PersistsProgress(t *testing.T) {
	ctx := context.Background()
	handler, queue, _ := newBatchFixture(t)

	job := queuedBatchJob(t, queue, BatchPayload{URLs: []string{"https://example.com/one"}})
	require.NoError(t, handler.Execute(ctx, job))

	stored, err := queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Progress.Current)
	assert.Equal(t, 1, stored.Progress.Total)
}

func TestBatchHandler_WithoutStore(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	queue := async.NewQueue(db)

	resolver := newFakeResolver()
	resolver.add(urlStage{}, time.Second, false)

	handler, err := NewBatchHandler(BatchHandlerOptions{
		Queue:    queue,
		Resolver: resolver,
		Logger:   zap.NewNop().Sugar(),
	})
	require.NoError(t, err)

	job := queuedBatchJob(t, queue, BatchPayload{URLs: []string{"https://example.com/ephemeral"}})
	require.NoError(t, handler.Execute(context.Background(), job), "nil store skips persistence, not the resolve")
}

func TestBatchHandler_BadPayload(t *testing.T) {
	handler, queue, _ := newBatchFixture(t)

	job, err := async.NewJobWithPayload(BatchHandlerName, "broken", json.RawMessage(`{not json`), 1, 0)
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(job))

	require.Error(t, handler.Execute(context.Background(), job))
}

func TestBatchHandler_EmptyURLList(t *testing.T) {
	handler, queue, _ := newBatchFixture(t)

	raw, err := json.Marshal(BatchPayload{})
	require.NoError(t, err)
	job, err := async.NewJobWithPayload(BatchHandlerName, "empty-batch", raw, 0, 0)
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(job))

	require.Error(t, handler.Execute(context.Background(), job))
}
