package async

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	scrytest "github.com/teranos/scry/internal/testing"
)

// ============================================================================
// Status Board Test Universe
// ============================================================================
//
// Characters:
//   - The Runner: carries updates in from the field as a case progresses
//   - The Gallery: watches the status board over the wire
//
// Theme: JobProgressEmitter is the runner. Every update lands in the
// records room first, then gets called out to the gallery if anyone is
// watching. A crash never loses more than the work since the last posting.
// ============================================================================

// recordingBroadcaster counts what the gallery hears.
type recordingBroadcaster struct {
	calls   int
	lastJob interface{}
}

func (r *recordingBroadcaster) BroadcastJobUpdate(job interface{}) {
	r.calls++
	r.lastJob = job
}

func TestRunnerPostsToTheBoard(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	queue := NewQueue(db)
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("a runner binds to one case", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board001",
			HandlerName: "slot.resolve",
			Source:      "Meridian Holdings",
			Progress:    Progress{Current: 0, Total: 4},
		}

		emitter := NewJobProgressEmitter(job, queue, nil, logger)

		if emitter.job != job {
			t.Error("Runner should carry the case it was bound to")
		}
		if emitter.queue != queue {
			t.Error("Runner needs the records room to post updates")
		}
		if emitter.log == nil {
			t.Error("Runner should log under the case's ID")
		}
	})

	t.Run("stage transitions reach the records room", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board002",
			HandlerName: "slot.resolve",
			Source:      "Meridian Holdings",
			Status:      JobStatusRunning,
			Progress:    Progress{Current: 0, Total: 4},
		}
		if err := queue.store.CreateJob(job); err != nil {
			t.Fatalf("Failed to file case: %v", err)
		}

		emitter := NewJobProgressEmitter(job, queue, nil, logger)
		job.UpdateProgress(1)
		emitter.EmitStage("registry", "Corporate registry stage finished")

		updated, err := queue.GetJob(job.ID)
		if err != nil {
			t.Fatalf("Failed to read case: %v", err)
		}
		if updated.Progress.Current != 1 {
			t.Errorf("Stage posting should persist progress, got %d", updated.Progress.Current)
		}
	})

	t.Run("progress postings accumulate", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board003",
			HandlerName: "content.batch",
			Source:      "https://example.com/filings",
			Status:      JobStatusRunning,
			Progress:    Progress{Current: 0, Total: 25},
		}
		if err := queue.store.CreateJob(job); err != nil {
			t.Fatalf("Failed to file case: %v", err)
		}

		emitter := NewJobProgressEmitter(job, queue, nil, logger)

		emitter.EmitProgress(10, map[string]interface{}{"batch": "filings"})
		if job.Progress.Current != 10 {
			t.Errorf("Expected progress 10, got %d", job.Progress.Current)
		}

		updated, err := queue.GetJob(job.ID)
		if err != nil {
			t.Fatalf("Failed to read case: %v", err)
		}
		if updated.Progress.Current != 10 {
			t.Errorf("Expected persisted progress 10, got %d", updated.Progress.Current)
		}

		emitter.EmitProgress(5, nil)
		if job.Progress.Current != 15 {
			t.Errorf("Expected progress 15 after second posting, got %d", job.Progress.Current)
		}
	})

	t.Run("informational postings only log", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board004",
			HandlerName: "content.batch",
			Source:      "https://example.com/news",
			Status:      JobStatusRunning,
		}

		emitter := NewJobProgressEmitter(job, queue, nil, logger)
		emitter.EmitInfo("robots.txt honored, skipping two paths")
	})

	t.Run("errors are classified and recorded on the case", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board005",
			HandlerName: "slot.resolve",
			Source:      "Meridian Holdings",
			Status:      JobStatusRunning,
			Progress:    Progress{Current: 2, Total: 4},
		}
		if err := queue.store.CreateJob(job); err != nil {
			t.Fatalf("Failed to file case: %v", err)
		}

		emitter := NewJobProgressEmitter(job, queue, nil, logger)
		emitter.EmitError("fetch", errors.New("connection reset by upstream"))

		if job.Error == "" {
			t.Error("Expected the error recorded on the case")
		}

		updated, err := queue.GetJob(job.ID)
		if err != nil {
			t.Fatalf("Failed to read case: %v", err)
		}
		if updated.Error == "" {
			t.Error("Expected the error persisted to the records room")
		}
	})

	t.Run("completion is the worker's call, not the runner's", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board006",
			HandlerName: "slot.resolve",
			Source:      "Meridian Holdings",
			Status:      JobStatusRunning,
			Progress:    Progress{Current: 4, Total: 4},
		}
		if err := queue.store.CreateJob(job); err != nil {
			t.Fatalf("Failed to file case: %v", err)
		}

		emitter := NewJobProgressEmitter(job, queue, nil, logger)
		emitter.EmitComplete(map[string]interface{}{"fields_resolved": 4})

		updated, err := queue.GetJob(job.ID)
		if err != nil {
			t.Fatalf("Failed to read case: %v", err)
		}
		if updated.Status != JobStatusRunning {
			t.Errorf("Runner must not close cases itself, status became %s", updated.Status)
		}
	})

	t.Run("the gallery hears every posting", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board007",
			HandlerName: "content.batch",
			Source:      "https://example.com/filings",
			Status:      JobStatusRunning,
			Progress:    Progress{Current: 0, Total: 10},
		}
		if err := queue.store.CreateJob(job); err != nil {
			t.Fatalf("Failed to file case: %v", err)
		}

		gallery := &recordingBroadcaster{}
		emitter := NewJobProgressEmitter(job, queue, gallery, logger)

		emitter.EmitProgress(3, nil)
		emitter.EmitStage("extract", "Extraction finished")

		if gallery.calls != 2 {
			t.Errorf("Expected 2 callouts to the gallery, got %d", gallery.calls)
		}
		if gallery.lastJob != job {
			t.Error("Gallery should hear about the bound case")
		}
	})

	t.Run("a broadcaster that is not one is ignored", func(t *testing.T) {
		job := &Job{
			ID:          "jb_board008",
			HandlerName: "content.batch",
			Source:      "https://example.com/misc",
			Status:      JobStatusRunning,
			Progress:    Progress{Current: 0, Total: 5},
		}
		if err := queue.store.CreateJob(job); err != nil {
			t.Fatalf("Failed to file case: %v", err)
		}

		// Anything that does not implement the broadcast interface is
		// silently skipped, same as nil.
		emitter := NewJobProgressEmitter(job, queue, struct{}{}, logger)
		emitter.EmitProgress(1, nil)

		if job.Progress.Current != 1 {
			t.Errorf("Posting should still persist, got progress %d", job.Progress.Current)
		}
	})
}
