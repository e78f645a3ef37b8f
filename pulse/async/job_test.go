package async

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Case Jacket Test Universe
// ============================================================================
//
// Characters:
//   - The Caseworker: stamps every lifecycle transition onto the jacket
//   - The Auditor: tallies what a case actually cost against its estimate
//
// Theme: a Job is the case jacket itself, before any queue or database
// touches it. These tests follow jackets from opening to closure and check
// every stamp, tally, and checkpoint along the way.
// ============================================================================

func TestOpeningACaseJacket(t *testing.T) {
	tests := []struct {
		name     string
		handler  string
		source   string
		totalOps int
		cost     float64
	}{
		{"slot resolve for a subject", "slot.resolve", "Meridian Holdings", 4, 0.40},
		{"content batch for a document set", "content.batch", "https://example.com/filings", 25, 0.75},
		{"report compile with no estimate", "report.compile", "case-briefing", 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := createTestJob(tt.handler, tt.source, tt.totalOps, tt.cost)
			if err != nil {
				t.Fatalf("Failed to open jacket: %v", err)
			}

			if !strings.HasPrefix(job.ID, "jb_") {
				t.Errorf("Expected jb_ prefix on jacket ID, got %s", job.ID)
			}
			if len(job.ID) <= len("jb_") {
				t.Errorf("Jacket ID has no body: %s", job.ID)
			}
			if job.Status != JobStatusQueued {
				t.Errorf("Fresh jacket should be queued, got %s", job.Status)
			}
			if job.HandlerName != tt.handler {
				t.Errorf("Expected handler %s, got %s", tt.handler, job.HandlerName)
			}
			if job.Source != tt.source {
				t.Errorf("Expected source %s, got %s", tt.source, job.Source)
			}
			if job.Progress.Current != 0 || job.Progress.Total != tt.totalOps {
				t.Errorf("Expected progress 0/%d, got %d/%d",
					tt.totalOps, job.Progress.Current, job.Progress.Total)
			}
			if job.CostEstimate != tt.cost {
				t.Errorf("Expected estimate %.2f, got %.2f", tt.cost, job.CostEstimate)
			}
			if job.CostActual != 0 {
				t.Errorf("Fresh jacket already has spend: %.2f", job.CostActual)
			}
			if job.RetryCount != 0 {
				t.Errorf("Fresh jacket already has retries: %d", job.RetryCount)
			}
			if job.StartedAt != nil || job.CompletedAt != nil {
				t.Error("Fresh jacket should have no start or completion stamp")
			}
			if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
				t.Error("Jacket should be stamped with creation and update times")
			}
		})
	}
}

func TestJacketValidation(t *testing.T) {
	t.Run("a jacket needs a handler", func(t *testing.T) {
		_, err := NewJobWithPayload("", "Meridian Holdings", nil, 1, 0.01)
		if err == nil {
			t.Fatal("Expected error opening a jacket with no handler")
		}
	})

	t.Run("anonymous tips file under system", func(t *testing.T) {
		job, err := NewJobWithPayload("slot.resolve", "", nil, 1, 0.01)
		if err != nil {
			t.Fatalf("Failed to open jacket: %v", err)
		}
		if job.Source != "system" {
			t.Errorf("Expected anonymous source to default to system, got %s", job.Source)
		}
	})

	t.Run("a payload is optional", func(t *testing.T) {
		job, err := NewJobWithPayload("report.compile", "case-briefing", nil, 1, 0)
		if err != nil {
			t.Fatalf("Failed to open jacket without payload: %v", err)
		}
		if job.Payload != nil {
			t.Errorf("Expected empty payload, got %s", string(job.Payload))
		}
	})
}

func TestCaseworkerStampsTheLifecycle(t *testing.T) {
	job, err := createTestJob("slot.resolve", "Meridian Holdings", 4, 0.40)
	if err != nil {
		t.Fatalf("Failed to open jacket: %v", err)
	}

	t.Run("starting stamps the clock", func(t *testing.T) {
		before := time.Now()
		job.Start()

		if job.Status != JobStatusRunning {
			t.Errorf("Expected running, got %s", job.Status)
		}
		if job.StartedAt == nil {
			t.Fatal("Start should stamp StartedAt")
		}
		if job.StartedAt.Before(before) {
			t.Error("StartedAt predates the start call")
		}
		if job.UpdatedAt.Before(before) {
			t.Error("Start should bump UpdatedAt")
		}
	})

	t.Run("freezing writes the reason onto the checkpoint", func(t *testing.T) {
		job.UpdatePulseState(&PulseState{CallsThisMinute: 10, CallsRemaining: 0})
		job.Pause("rate_limit")

		if job.Status != JobStatusPaused {
			t.Errorf("Expected paused, got %s", job.Status)
		}
		if !job.PulseState.IsPaused {
			t.Error("Checkpoint should record the freeze")
		}
		if job.PulseState.PauseReason != "rate_limit" {
			t.Errorf("Expected rate_limit reason, got %s", job.PulseState.PauseReason)
		}
	})

	t.Run("thawing clears the checkpoint flags", func(t *testing.T) {
		job.Resume()

		if job.Status != JobStatusRunning {
			t.Errorf("Expected running after thaw, got %s", job.Status)
		}
		if job.PulseState.IsPaused {
			t.Error("Checkpoint should clear the freeze on resume")
		}
		if job.PulseState.PauseReason != "" {
			t.Errorf("Expected cleared reason, got %s", job.PulseState.PauseReason)
		}
	})

	t.Run("closing stamps the clock", func(t *testing.T) {
		job.Complete()

		if job.Status != JobStatusCompleted {
			t.Errorf("Expected completed, got %s", job.Status)
		}
		if job.CompletedAt == nil {
			t.Error("Complete should stamp CompletedAt")
		}
	})
}

// A jacket that never ran under pulse control has no checkpoint. Freezing
// it must not conjure one up, and must not panic on the nil.
func TestFreezeWithoutCheckpoint(t *testing.T) {
	job, err := createTestJob("content.batch", "https://example.com/filings", 5, 0.05)
	if err != nil {
		t.Fatalf("Failed to open jacket: %v", err)
	}

	job.Pause("user_requested")

	if job.Status != JobStatusPaused {
		t.Errorf("Expected paused, got %s", job.Status)
	}
	if job.PulseState != nil {
		t.Error("Pause should not invent a checkpoint")
	}

	job.Resume()
	if job.Status != JobStatusRunning {
		t.Errorf("Expected running after resume, got %s", job.Status)
	}
}

func TestFailureAndShredding(t *testing.T) {
	t.Run("failure keeps the reason", func(t *testing.T) {
		job, err := createTestJob("slot.resolve", "Meridian Holdings", 4, 0.40)
		if err != nil {
			t.Fatalf("Failed to open jacket: %v", err)
		}
		job.Start()
		job.Fail(fmt.Errorf("engine timeout after 3 attempts"))

		if job.Status != JobStatusFailed {
			t.Errorf("Expected failed, got %s", job.Status)
		}
		if job.Error != "engine timeout after 3 attempts" {
			t.Errorf("Expected failure reason on the jacket, got %q", job.Error)
		}
		if job.CompletedAt == nil {
			t.Error("Failure should still stamp CompletedAt")
		}
	})

	t.Run("shredding keeps the reason", func(t *testing.T) {
		job, err := createTestJob("content.batch", "https://example.com/filings", 5, 0.05)
		if err != nil {
			t.Fatalf("Failed to open jacket: %v", err)
		}
		job.Cancel("parent job deleted")

		if job.Status != JobStatusCancelled {
			t.Errorf("Expected cancelled, got %s", job.Status)
		}
		if job.Error != "parent job deleted" {
			t.Errorf("Expected cancellation reason on the jacket, got %q", job.Error)
		}
		if job.CompletedAt == nil {
			t.Error("Cancellation should still stamp CompletedAt")
		}
	})
}

func TestProgressArithmetic(t *testing.T) {
	cases := []struct {
		name    string
		current int
		total   int
		want    float64
	}{
		{"untouched case", 0, 80, 0},
		{"quarter worked", 20, 80, 25},
		{"fully worked", 80, 80, 100},
		{"no operations planned", 0, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Progress{Current: tc.current, Total: tc.total}
			if got := p.Percentage(); got != tc.want {
				t.Errorf("Percentage(%d/%d) = %.1f, want %.1f",
					tc.current, tc.total, got, tc.want)
			}
		})
	}

	t.Run("working the case moves the needle", func(t *testing.T) {
		job, err := createTestJob("content.batch", "https://example.com/filings", 80, 0.80)
		if err != nil {
			t.Fatalf("Failed to open jacket: %v", err)
		}
		job.UpdateProgress(20)

		if job.Progress.Current != 20 {
			t.Errorf("Expected progress 20, got %d", job.Progress.Current)
		}
		if got := job.Progress.Percentage(); got != 25 {
			t.Errorf("Expected 25%%, got %.1f%%", got)
		}
	})
}

func TestAuditorTalliesActualSpend(t *testing.T) {
	job, err := createTestJob("slot.resolve", "Meridian Holdings", 4, 0.40)
	if err != nil {
		t.Fatalf("Failed to open jacket: %v", err)
	}

	// Binary-exact fractions so the tally compares without an epsilon.
	job.RecordCost(0.25)
	job.RecordCost(0.25)
	job.RecordCost(0.5)

	if job.CostActual != 1.0 {
		t.Errorf("Expected tally of 1.00, got %.2f", job.CostActual)
	}
	if job.CostEstimate != 0.40 {
		t.Errorf("Tallying spend should not touch the estimate, got %.2f", job.CostEstimate)
	}
}

func TestCheckpointTravelsWithTheJacket(t *testing.T) {
	t.Run("a full checkpoint survives the roundtrip", func(t *testing.T) {
		state := &PulseState{
			CallsThisMinute: 8,
			CallsRemaining:  2,
			SpendToday:      1.25,
			SpendThisMonth:  14.50,
			BudgetRemaining: 35.50,
			IsPaused:        true,
			PauseReason:     "budget_exceeded",
		}

		encoded, err := MarshalPulseState(state)
		if err != nil {
			t.Fatalf("Failed to marshal checkpoint: %v", err)
		}
		decoded, err := UnmarshalPulseState(encoded)
		if err != nil {
			t.Fatalf("Failed to unmarshal checkpoint: %v", err)
		}

		if decoded.CallsThisMinute != 8 || decoded.CallsRemaining != 2 {
			t.Errorf("Call counters mangled: %d/%d",
				decoded.CallsThisMinute, decoded.CallsRemaining)
		}
		if decoded.SpendToday != 1.25 || decoded.SpendThisMonth != 14.50 {
			t.Errorf("Spend figures mangled: %.2f/%.2f",
				decoded.SpendToday, decoded.SpendThisMonth)
		}
		if decoded.BudgetRemaining != 35.50 {
			t.Errorf("Budget remaining mangled: %.2f", decoded.BudgetRemaining)
		}
		if !decoded.IsPaused || decoded.PauseReason != "budget_exceeded" {
			t.Errorf("Freeze flags mangled: paused=%v reason=%s",
				decoded.IsPaused, decoded.PauseReason)
		}
	})

	t.Run("no checkpoint marshals to nothing", func(t *testing.T) {
		encoded, err := MarshalPulseState(nil)
		if err != nil {
			t.Fatalf("Marshalling a nil checkpoint should not fail: %v", err)
		}
		if encoded != "" {
			t.Errorf("Expected empty encoding, got %q", encoded)
		}

		decoded, err := UnmarshalPulseState("")
		if err != nil {
			t.Fatalf("Unmarshalling nothing should not fail: %v", err)
		}
		if decoded != nil {
			t.Errorf("Expected nil checkpoint, got %+v", decoded)
		}
	})

	t.Run("a mangled checkpoint is rejected", func(t *testing.T) {
		if _, err := UnmarshalPulseState("not a checkpoint"); err == nil {
			t.Error("Expected error unmarshalling garbage")
		}
	})

	t.Run("attaching a checkpoint bumps the jacket", func(t *testing.T) {
		job, err := createTestJob("slot.resolve", "Meridian Holdings", 4, 0.40)
		if err != nil {
			t.Fatalf("Failed to open jacket: %v", err)
		}
		before := job.UpdatedAt

		job.UpdatePulseState(&PulseState{CallsRemaining: 5})

		if job.PulseState == nil || job.PulseState.CallsRemaining != 5 {
			t.Error("Checkpoint did not land on the jacket")
		}
		if job.UpdatedAt.Before(before) {
			t.Error("Attaching a checkpoint should bump UpdatedAt")
		}
	})
}

// The queue never looks inside Payload. Whatever the handler's package
// encodes must come back out byte-for-byte meaningful.
func TestPayloadIsOpaque(t *testing.T) {
	type batchArgs struct {
		URLs  []string `json:"urls"`
		Depth int      `json:"depth"`
	}
	args := batchArgs{
		URLs:  []string{"https://example.com/a", "https://example.com/b"},
		Depth: 2,
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	job, err := NewJobWithPayload("content.batch", args.URLs[0], encoded, len(args.URLs), 0.02)
	if err != nil {
		t.Fatalf("Failed to open jacket: %v", err)
	}

	var decoded batchArgs
	if err := json.Unmarshal(job.Payload, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal payload from jacket: %v", err)
	}
	if len(decoded.URLs) != 2 || decoded.URLs[1] != "https://example.com/b" {
		t.Errorf("Payload URLs mangled: %v", decoded.URLs)
	}
	if decoded.Depth != 2 {
		t.Errorf("Payload depth mangled: %d", decoded.Depth)
	}
}

func TestFollowupsNameTheirParent(t *testing.T) {
	parent, err := createTestJob("slot.resolve", "Meridian Holdings", 4, 0.40)
	if err != nil {
		t.Fatalf("Failed to open parent jacket: %v", err)
	}

	child, err := NewChildJobWithPayload(
		"content.batch", "https://example.com/filings", nil, 5, 0.05, parent.ID)
	if err != nil {
		t.Fatalf("Failed to open follow-up jacket: %v", err)
	}

	if child.ParentJobID != parent.ID {
		t.Errorf("Expected follow-up to name parent %s, got %q", parent.ID, child.ParentJobID)
	}
	if parent.ParentJobID != "" {
		t.Errorf("Parent jacket should name no parent, got %q", parent.ParentJobID)
	}
	if child.ID == parent.ID {
		t.Error("Follow-up must get its own jacket ID")
	}
}

// Retry bookkeeping lives on the jacket; the worker's failOrRetry reads
// RetryCount against MaxRetries to decide requeue versus final failure.
func TestRetryBookkeeping(t *testing.T) {
	job, err := createTestJob("content.batch", "https://example.com/flaky", 1, 0.01)
	if err != nil {
		t.Fatalf("Failed to open jacket: %v", err)
	}

	attempts := 0
	for job.RetryCount < MaxRetries {
		job.RetryCount++
		job.Status = JobStatusQueued
		attempts++
	}

	if attempts != MaxRetries {
		t.Errorf("Expected %d requeues before giving up, got %d", MaxRetries, attempts)
	}

	job.Fail(fmt.Errorf("still failing after %d retries", job.RetryCount))
	if job.Status != JobStatusFailed {
		t.Errorf("Expected failed after retries exhausted, got %s", job.Status)
	}
	if job.RetryCount != MaxRetries {
		t.Errorf("Final jacket should show %d retries, got %d", MaxRetries, job.RetryCount)
	}
}

func TestStatusVocabulary(t *testing.T) {
	valid := []string{"queued", "running", "paused", "completed", "failed", "cancelled"}
	for _, s := range valid {
		if !IsValidStatus(s) {
			t.Errorf("Expected %q to be a valid status", s)
		}
	}

	invalid := []string{"", "scheduled", "QUEUED", "done"}
	for _, s := range invalid {
		if IsValidStatus(s) {
			t.Errorf("Expected %q to be rejected", s)
		}
	}
}

// A slot resolve fans out content fetches as follow-up jackets. The parent's
// final tally is the sum of what the family actually spent.
func TestFamilyCostRollup(t *testing.T) {
	parent, err := createTestJob("slot.resolve", "Meridian Holdings", 3, 0.60)
	if err != nil {
		t.Fatalf("Failed to open parent jacket: %v", err)
	}

	sources := []string{
		"https://example.com/registry",
		"https://example.com/filings",
		"https://example.com/news",
	}
	costs := []float64{0.25, 0.5, 0.25}

	var family []*Job
	for i, src := range sources {
		child, err := NewChildJobWithPayload("content.batch", src, nil, 1, 0.20, parent.ID)
		if err != nil {
			t.Fatalf("Failed to open follow-up jacket: %v", err)
		}
		child.Start()
		child.RecordCost(costs[i])
		if i == len(sources)-1 {
			child.Fail(fmt.Errorf("fetch blocked by robots.txt"))
		} else {
			child.Complete()
		}
		family = append(family, child)
	}

	var tally float64
	completed := 0
	for _, child := range family {
		tally += child.CostActual
		if child.Status == JobStatusCompleted {
			completed++
		}
	}
	parent.RecordCost(tally)

	if completed != 2 {
		t.Errorf("Expected 2 completed follow-ups, got %d", completed)
	}
	if parent.CostActual != 1.0 {
		t.Errorf("Expected family tally of 1.00 on the parent, got %.2f", parent.CostActual)
	}
}
