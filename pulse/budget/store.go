// Package budget enforces LLM spend limits for pulse work. Spend is read
// straight from the llm_usage table over pure sliding windows (24h/7d/30d),
// so a burst just before midnight cannot reset the meter.
package budget

import (
	"database/sql"
	"fmt"
)

// Store reads actual spend from llm_usage. Only successful calls count;
// failed requests cost nothing at the provider.
type Store struct {
	db *sql.DB
}

// NewStore creates a budget store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) windowSpend(modifier string, period string) (totalCost float64, opCount int, err error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(cost), 0) as total_cost,
			COUNT(*) as operation_count
		FROM llm_usage
		WHERE request_timestamp >= datetime('now', '%s')
			AND success = 1
	`, modifier)

	err = s.db.QueryRow(query).Scan(&totalCost, &opCount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query %s spend: %w", period, err)
	}

	return totalCost, opCount, nil
}

// GetActualDailySpend sums the last 24 hours of successful spend.
func (s *Store) GetActualDailySpend() (totalCost float64, opCount int, err error) {
	return s.windowSpend("-24 hours", "daily")
}

// GetActualWeeklySpend sums the last 7 days of successful spend.
func (s *Store) GetActualWeeklySpend() (totalCost float64, opCount int, err error) {
	return s.windowSpend("-7 days", "weekly")
}

// GetActualMonthlySpend sums the last 30 days of successful spend.
func (s *Store) GetActualMonthlySpend() (totalCost float64, opCount int, err error) {
	return s.windowSpend("-30 days", "monthly")
}
