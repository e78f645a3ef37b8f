package tracker

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	scrytest "github.com/teranos/scry/internal/testing"
)

// ============================================================================
// Ledger Room Test Universe
// ============================================================================
//
// Characters:
//   - The Ledger Clerk: writes one line per LLM call, success or not
//   - The Accountant: totals the ledger by window, by model, and by day
//
// Theme: UsageTracker is the ledger. The budget gates trust it completely,
// so a call that fails still gets its line, and the totals have to come
// out exactly.
// ============================================================================

func intPtr(i int) *int             { return &i }
func float64Ptr(f float64) *float64 { return &f }

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// entry builds a successful ledger line with the given model and spend.
func entry(model string, at time.Time, tokens int, cost float64) *ModelUsage {
	return &ModelUsage{
		OperationType:    "snippet_cleanup",
		EntityType:       "url",
		EntityID:         "https://example.com/filings",
		ModelName:        model,
		ModelProvider:    "openrouter",
		RequestTimestamp: at,
		TokensUsed:       intPtr(tokens),
		Cost:             float64Ptr(cost),
		Success:          true,
	}
}

func TestClerkRecordsACall(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	responseTime := now.Add(2 * time.Second)
	tokens := 150
	cost := 0.05

	err := tracker.TrackUsage(&ModelUsage{
		OperationType:     "snippet_cleanup",
		EntityType:        "url",
		EntityID:          "https://example.com/profile/123",
		ModelName:         "gpt-4o-mini",
		ModelProvider:     "openrouter",
		ModelConfig:       NewModelConfig(float64Ptr(0.2), intPtr(2000)),
		RequestTimestamp:  now,
		ResponseTimestamp: &responseTime,
		TokensUsed:        &tokens,
		Cost:              &cost,
		Success:           true,
		Metadata:          NewUsageMetadata(UsageMetadata{OperationDetail: "profile page cleanup"}),
	})
	if err != nil {
		t.Fatalf("TrackUsage: %v", err)
	}

	var got ModelUsage
	row := db.QueryRow(`
		SELECT operation_type, entity_type, entity_id, model_name, model_provider,
		       tokens_used, cost, success
		FROM llm_usage WHERE id = 1`)
	if err := row.Scan(&got.OperationType, &got.EntityType, &got.EntityID,
		&got.ModelName, &got.ModelProvider, &got.TokensUsed,
		&got.Cost, &got.Success); err != nil {
		t.Fatalf("reading the line back: %v", err)
	}

	if got.OperationType != "snippet_cleanup" {
		t.Errorf("operation_type = %q", got.OperationType)
	}
	if got.ModelName != "gpt-4o-mini" {
		t.Errorf("model_name = %q", got.ModelName)
	}
	if *got.TokensUsed != 150 {
		t.Errorf("tokens_used = %d, want 150", *got.TokensUsed)
	}
	if *got.Cost != 0.05 {
		t.Errorf("cost = %f, want 0.05", *got.Cost)
	}
	if !got.Success {
		t.Error("success should read back true")
	}
}

func TestClerkRecordsAFailureToo(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	tracker := NewUsageTracker(db, 1)

	errorMsg := "API key invalid"
	err := tracker.TrackUsage(&ModelUsage{
		OperationType:    "query_variation",
		EntityType:       "slot",
		EntityID:         "s_abc123",
		ModelName:        "claude-3-haiku",
		ModelProvider:    "openrouter",
		RequestTimestamp: time.Now(),
		Success:          false,
		ErrorMessage:     &errorMsg,
	})
	if err != nil {
		t.Fatalf("TrackUsage: %v", err)
	}

	var success bool
	var stored sql.NullString
	if err := db.QueryRow("SELECT success, error_message FROM llm_usage WHERE id = 1").
		Scan(&success, &stored); err != nil {
		t.Fatalf("reading the line back: %v", err)
	}

	if success {
		t.Error("a failed call must not read back as a success")
	}
	if !stored.Valid || stored.String != "API key invalid" {
		t.Errorf("error_message = %q, want the recorded reason", stored.String)
	}
}

func TestAccountantTotalsTheWindow(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	oneHourAgo := now.Add(-1 * time.Hour)

	lines := []*ModelUsage{
		entry("gpt-4o-mini", oneHourAgo, 100, 0.02),
		entry("claude-3-haiku", oneHourAgo, 150, 0.03),
	}
	failed := entry("gpt-4o-mini", oneHourAgo, 0, 0.0)
	failed.Success = false
	lines = append(lines, failed)

	for _, line := range lines {
		if err := tracker.TrackUsage(line); err != nil {
			t.Fatalf("TrackUsage: %v", err)
		}
	}

	t.Run("a window holding everything", func(t *testing.T) {
		stats, err := tracker.GetUsageStats(now.Add(-2 * time.Hour))
		if err != nil {
			t.Fatalf("GetUsageStats: %v", err)
		}

		if stats.TotalRequests != 3 {
			t.Errorf("total requests = %d, want 3", stats.TotalRequests)
		}
		if stats.SuccessfulRequests != 2 {
			t.Errorf("successful requests = %d, want 2", stats.SuccessfulRequests)
		}
		if stats.TotalTokens != 250 {
			t.Errorf("total tokens = %d, want 250", stats.TotalTokens)
		}
		if stats.TotalCost != 0.05 {
			t.Errorf("total cost = %f, want 0.05", stats.TotalCost)
		}
		if stats.UniqueModels != 2 {
			t.Errorf("unique models = %d, want 2", stats.UniqueModels)
		}
		if want := 2.0 / 3.0; abs(stats.SuccessRate-want) > 0.001 {
			t.Errorf("success rate = %f, want %f", stats.SuccessRate, want)
		}
	})

	t.Run("a window holding nothing", func(t *testing.T) {
		stats, err := tracker.GetUsageStats(now.Add(-30 * time.Minute))
		if err != nil {
			t.Fatalf("GetUsageStats: %v", err)
		}

		if stats.TotalRequests != 0 || stats.TotalTokens != 0 || stats.TotalCost != 0 {
			t.Errorf("empty window came back with %d requests, %d tokens, %f cost",
				stats.TotalRequests, stats.TotalTokens, stats.TotalCost)
		}
	})
}

func TestAccountantSplitsByModel(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	tracker := NewUsageTracker(db, 1)

	oneHourAgo := time.Now().Add(-1 * time.Hour)
	responseTime := oneHourAgo.Add(2 * time.Second)

	lines := []*ModelUsage{
		entry("gpt-4o-mini", oneHourAgo, 100, 0.02),
		entry("gpt-4o-mini", oneHourAgo, 200, 0.04),
		entry("claude-3-haiku", oneHourAgo, 150, 0.03),
	}
	for _, line := range lines {
		line.ResponseTimestamp = &responseTime
		if err := tracker.TrackUsage(line); err != nil {
			t.Fatalf("TrackUsage: %v", err)
		}
	}

	breakdown, err := tracker.GetModelBreakdown(time.Now().Add(-2 * time.Hour))
	if err != nil {
		t.Fatalf("GetModelBreakdown: %v", err)
	}
	if len(breakdown) != 2 {
		t.Fatalf("breakdown pages = %d, want 2", len(breakdown))
	}

	// Most expensive model leads the page.
	lead := breakdown[0]
	if lead.ModelName != "gpt-4o-mini" {
		t.Fatalf("lead model = %s, want gpt-4o-mini", lead.ModelName)
	}
	if lead.RequestCount != 2 {
		t.Errorf("lead request count = %d, want 2", lead.RequestCount)
	}
	if lead.TotalTokens != 300 {
		t.Errorf("lead tokens = %d, want 300", lead.TotalTokens)
	}
	if lead.TotalCost != 0.06 {
		t.Errorf("lead cost = %f, want 0.06", lead.TotalCost)
	}
	if lead.AvgResponseTimeMs == nil {
		t.Error("lead avg response time missing")
	} else if abs(*lead.AvgResponseTimeMs-2000) > 1 {
		t.Errorf("lead avg response time = %f, want ~2000ms", *lead.AvgResponseTimeMs)
	}

	if breakdown[1].ModelName != "claude-3-haiku" {
		t.Errorf("second model = %s, want claude-3-haiku", breakdown[1].ModelName)
	}
}

func TestDailySpendSeries(t *testing.T) {
	db := scrytest.CreateMigratedTestDB(t)
	tracker := NewUsageTracker(db, 1)

	twoHoursAgo := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := tracker.TrackUsage(entry("gpt-4o-mini", twoHoursAgo, 100, 0.02)); err != nil {
			t.Fatalf("TrackUsage: %v", err)
		}
	}

	points, err := tracker.GetTimeSeriesData(7)
	if err != nil {
		t.Fatalf("GetTimeSeriesData: %v", err)
	}
	if len(points) == 0 {
		t.Fatal("expected at least one day in the series")
	}

	// Totals over the series, not per bucket, so a run straddling
	// midnight still passes.
	var requests int
	var cost float64
	for _, p := range points {
		requests += p.Requests
		cost += p.Cost
	}
	if requests != 3 {
		t.Errorf("series requests = %d, want 3", requests)
	}
	if abs(cost-0.06) > 0.0001 {
		t.Errorf("series cost = %f, want 0.06", cost)
	}
}

func TestSamplingConfigTravelsAsJSON(t *testing.T) {
	temp := 0.7
	maxTokens := 1000

	config := NewModelConfig(&temp, &maxTokens)
	if config == nil {
		t.Fatal("NewModelConfig returned nil for real parameters")
	}
	var decoded ModelConfig
	if err := json.Unmarshal([]byte(*config), &decoded); err != nil {
		t.Fatalf("stored config is not JSON: %v", err)
	}
	if decoded.Temperature == nil || *decoded.Temperature != 0.7 {
		t.Errorf("temperature did not survive the column: %v", decoded.Temperature)
	}
	if decoded.MaxTokens == nil || *decoded.MaxTokens != 1000 {
		t.Errorf("max tokens did not survive the column: %v", decoded.MaxTokens)
	}

	if NewModelConfig(nil, nil) != nil {
		t.Error("no parameters should store NULL, not an empty object")
	}
	if NewModelConfig(&temp, nil) == nil {
		t.Error("temperature alone is still worth storing")
	}
}

func TestCallContextTravelsAsJSON(t *testing.T) {
	stored := NewUsageMetadata(UsageMetadata{
		OperationDetail: "cleanup of a long profile",
		InputLength:     intPtr(100),
		OutputLength:    intPtr(50),
	})
	if stored == nil {
		t.Fatal("NewUsageMetadata returned nil")
	}

	var decoded UsageMetadata
	if err := json.Unmarshal([]byte(*stored), &decoded); err != nil {
		t.Fatalf("stored metadata is not JSON: %v", err)
	}
	if decoded.OperationDetail != "cleanup of a long profile" {
		t.Errorf("detail = %q", decoded.OperationDetail)
	}
	if decoded.InputLength == nil || *decoded.InputLength != 100 {
		t.Errorf("input length = %v", decoded.InputLength)
	}
}

// ---- sqlmock: the exact shape of what hits the wire ----

func TestInsertBindsEveryColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	tokens := 100
	cost := 0.02
	usage := &ModelUsage{
		OperationType:    "snippet_cleanup",
		EntityType:       "url",
		EntityID:         "https://example.com/a",
		ModelName:        "gpt-4o-mini",
		ModelProvider:    "openrouter",
		RequestTimestamp: now,
		TokensUsed:       &tokens,
		Cost:             &cost,
		Success:          true,
	}

	mock.ExpectExec(`INSERT INTO llm_usage`).
		WithArgs(
			usage.OperationType,
			usage.EntityType,
			usage.EntityID,
			usage.ModelName,
			usage.ModelProvider,
			sqlmock.AnyArg(), // model_config
			usage.RequestTimestamp,
			sqlmock.AnyArg(), // response_timestamp
			usage.TokensUsed,
			usage.Cost,
			usage.Success,
			sqlmock.AnyArg(), // error_message
			sqlmock.AnyArg(), // metadata
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := tracker.TrackUsage(usage); err != nil {
		t.Errorf("TrackUsage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFailureBindsTheErrorColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(db, 1)

	now := time.Now()
	errorMsg := "API rate limit exceeded"
	usage := &ModelUsage{
		OperationType:    "query_variation",
		EntityType:       "slot",
		EntityID:         "s_xyz789",
		ModelName:        "claude-3-haiku",
		ModelProvider:    "openrouter",
		RequestTimestamp: now,
		Success:          false,
		ErrorMessage:     &errorMsg,
	}

	mock.ExpectExec(`INSERT INTO llm_usage`).
		WithArgs(
			usage.OperationType,
			usage.EntityType,
			usage.EntityID,
			usage.ModelName,
			usage.ModelProvider,
			sqlmock.AnyArg(),
			usage.RequestTimestamp,
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			false,
			&errorMsg,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := tracker.TrackUsage(usage); err != nil {
		t.Errorf("TrackUsage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTotalsArithmetic(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(db, 1)
	since := time.Now().Add(-1 * time.Hour)

	rows := sqlmock.NewRows([]string{
		"total_requests", "successful_requests", "total_tokens", "total_cost", "unique_models",
	}).AddRow(10, 8, 1500, 0.50, 3)

	mock.ExpectQuery(`SELECT.*FROM llm_usage WHERE request_timestamp`).
		WithArgs(since).
		WillReturnRows(rows)

	stats, err := tracker.GetUsageStats(since)
	if err != nil {
		t.Fatalf("GetUsageStats: %v", err)
	}

	if stats.TotalRequests != 10 || stats.SuccessfulRequests != 8 {
		t.Errorf("requests = %d/%d, want 10/8", stats.TotalRequests, stats.SuccessfulRequests)
	}
	if stats.TotalTokens != 1500 {
		t.Errorf("tokens = %d, want 1500", stats.TotalTokens)
	}
	if stats.TotalCost != 0.50 {
		t.Errorf("cost = %f, want 0.50", stats.TotalCost)
	}
	if stats.UniqueModels != 3 {
		t.Errorf("unique models = %d, want 3", stats.UniqueModels)
	}
	if want := 0.8; abs(stats.SuccessRate-want) > 0.001 {
		t.Errorf("success rate = %f, want %f", stats.SuccessRate, want)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBreakdownKeepsTheExpensiveFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(db, 1)
	since := time.Now().Add(-2 * time.Hour)

	rows := sqlmock.NewRows([]string{
		"model_name", "model_provider", "request_count", "total_tokens", "total_cost", "avg_response_time_ms",
	}).
		AddRow("gpt-4o-mini", "openrouter", 2, 300, 0.06, 2000.0).
		AddRow("claude-3-haiku", "openrouter", 1, 150, 0.03, 1500.0)

	mock.ExpectQuery(`SELECT.*FROM llm_usage WHERE request_timestamp.*AND success.*GROUP BY model_name, model_provider ORDER BY total_cost DESC`).
		WithArgs(since).
		WillReturnRows(rows)

	breakdown, err := tracker.GetModelBreakdown(since)
	if err != nil {
		t.Fatalf("GetModelBreakdown: %v", err)
	}
	if len(breakdown) != 2 {
		t.Fatalf("pages = %d, want 2", len(breakdown))
	}
	if breakdown[0].ModelName != "gpt-4o-mini" || breakdown[0].TotalCost != 0.06 {
		t.Errorf("lead page = %s at %f", breakdown[0].ModelName, breakdown[0].TotalCost)
	}
	if breakdown[0].AvgResponseTimeMs == nil || *breakdown[0].AvgResponseTimeMs != 2000.0 {
		t.Errorf("lead response time = %v", breakdown[0].AvgResponseTimeMs)
	}
	if breakdown[1].ModelName != "claude-3-haiku" || breakdown[1].TotalCost != 0.03 {
		t.Errorf("second page = %s at %f", breakdown[1].ModelName, breakdown[1].TotalCost)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSeriesQueriesByDay(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(db, 1)

	rows := sqlmock.NewRows([]string{"date", "requests", "cost"}).
		AddRow("2026-08-24", 4, 0.08).
		AddRow("2026-08-25", 2, 0.04)

	mock.ExpectQuery(`SELECT.*DATE\(request_timestamp\).*FROM llm_usage.*GROUP BY DATE\(request_timestamp\).*ORDER BY date ASC`).
		WithArgs(30).
		WillReturnRows(rows)

	points, err := tracker.GetTimeSeriesData(30)
	if err != nil {
		t.Fatalf("GetTimeSeriesData: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if points[0].Date != "2026-08-24" || points[0].Requests != 4 {
		t.Errorf("first point = %+v", points[0])
	}
	if points[1].Cost != 0.04 {
		t.Errorf("second point cost = %f, want 0.04", points[1].Cost)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUnscannableRowIsDropped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewUsageTracker(db, 1)
	since := time.Now().Add(-2 * time.Hour)

	// The second row's request_count will not scan into an int; the
	// breakdown should keep the rest rather than fail outright.
	rows := sqlmock.NewRows([]string{
		"model_name", "model_provider", "request_count", "total_tokens", "total_cost", "avg_response_time_ms",
	}).
		AddRow("gpt-4o-mini", "openrouter", 2, 300, 0.06, 2000.0).
		AddRow("claude-3-haiku", "openrouter", "corrupt", 150, 0.03, 1500.0)

	mock.ExpectQuery(`SELECT.*FROM llm_usage`).
		WithArgs(since).
		WillReturnRows(rows)

	breakdown, err := tracker.GetModelBreakdown(since)
	if err != nil {
		t.Fatalf("GetModelBreakdown: %v", err)
	}
	if len(breakdown) != 1 {
		t.Fatalf("pages = %d, want the one clean row", len(breakdown))
	}
	if breakdown[0].ModelName != "gpt-4o-mini" {
		t.Errorf("surviving page = %s", breakdown[0].ModelName)
	}
}
