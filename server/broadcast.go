package server

// Real-time fan-out to WebSocket clients: LLM usage totals, async job
// progress, and daemon status. Everything here rides sendMsg except the
// dispatch-complete path, which has its own channel and message type.

import (
	"fmt"
	"time"

	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/pulse/async"
	"github.com/teranos/scry/sym"
)

// broadcastMessage offers msg to every connected client and reports how
// many accepted it. A client whose channel is full misses this one; the
// next tick will catch it up.
func (s *ScryServer) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
		}
	}
	return sent
}

// hasClients reports whether anyone is listening. Tickers consult this
// before doing per-broadcast work.
func (s *ScryServer) hasClients() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients) > 0
}

func (s *ScryServer) broadcastUsageUpdate() {
	since := time.Now().Add(-24 * time.Hour)
	stats, err := s.svc.Usage.GetUsageStats(since)
	if err != nil {
		s.logger.Debugw("Failed to get usage stats", "error", err.Error())
		return
	}

	s.mu.Lock()
	if !s.usageHasChangedLocked(stats.TotalCost, stats.TotalRequests, stats.SuccessfulRequests, stats.TotalTokens, stats.UniqueModels) {
		s.mu.Unlock()
		return
	}
	s.lastUsage = &cachedUsageStats{
		totalCost: stats.TotalCost,
		requests:  stats.TotalRequests,
		success:   stats.SuccessfulRequests,
		tokens:    stats.TotalTokens,
		models:    stats.UniqueModels,
	}
	s.mu.Unlock()

	s.broadcastMessage(UsageUpdateMessage{
		Type:      "usage_update",
		TotalCost: stats.TotalCost,
		Requests:  stats.TotalRequests,
		Success:   stats.SuccessfulRequests,
		Tokens:    stats.TotalTokens,
		Models:    stats.UniqueModels,
		Since:     "24h",
		Timestamp: time.Now().Unix(),
	})
}

// startUsageUpdateTicker keeps the UI's spend counter current. Half a
// second is fast enough to look live; the change check in
// broadcastUsageUpdate keeps the idle cost at one SQL query per tick.
func (s *ScryServer) startUsageUpdateTicker() {
	ticker := time.NewTicker(500 * time.Millisecond)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		s.broadcastUsageUpdate()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Usage update ticker stopping due to context cancellation")
				return
			case <-ticker.C:
				if s.hasClients() {
					s.broadcastUsageUpdate()
				}
			}
		}
	}()
}

// startJobUpdateBroadcaster relays queue updates to WebSocket clients.
func (s *ScryServer) startJobUpdateBroadcaster() {
	jobChan := s.svc.Queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			// Unsubscribe removes us from the publisher's list; only then
			// is closing the channel safe
			s.svc.Queue.Unsubscribe(jobChan)
			close(jobChan)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping due to context cancellation")
				return
			case job := <-jobChan:
				s.broadcastJobUpdate(job)
			}
		}
	}()

	s.logger.Infow("Job update broadcaster started")
}

// startDaemonStatusBroadcaster pushes daemon status on an adaptive clock:
// second-by-second while jobs are flying, every half minute when idle.
func (s *ScryServer) startDaemonStatusBroadcaster() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		currentState := DaemonIdle
		interval := s.getIntervalForActivityState(currentState)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Daemon status broadcaster stopping due to context cancellation")
				return
			case <-ticker.C:
				if !s.hasClients() {
					continue
				}

				newState := s.detectDaemonActivityState()
				if newState != currentState {
					currentState = newState
					interval = s.getIntervalForActivityState(currentState)
					ticker.Reset(interval)

					s.logger.Debugw("Daemon activity state changed, adjusted poll interval",
						"state", currentState,
						"interval", interval,
					)
				}

				s.broadcastDaemonStatus()
			}
		}
	}()

	s.logger.Infow("Adaptive daemon status broadcaster started")
}

func (s *ScryServer) broadcastJobUpdate(job *async.Job) {
	msg := JobUpdateMessage{
		Type: "job_update",
		Job:  job,
		Metadata: map[string]interface{}{
			"timestamp": time.Now().Unix(),
		},
	}

	sent := s.broadcastMessage(msg)

	s.logger.Debugw("Broadcasted job update",
		"job_id", job.ID,
		"status", job.Status,
		"progress", fmt.Sprintf("%d/%d", job.Progress.Current, job.Progress.Total),
		"clients", sent,
	)
}

// queueLoad sizes the active queue against the worker pool, capped at 100%.
func (s *ScryServer) queueLoad(stats *async.QueueStats) (activeJobs int, loadPercent float64) {
	workers := s.svc.Daemon.Workers()
	if workers < 1 {
		workers = 1
	}
	activeJobs = stats.Running + stats.Queued
	loadPercent = float64(activeJobs) / float64(workers) * 100
	if loadPercent > 100 {
		loadPercent = 100
	}
	return activeJobs, loadPercent
}

func (s *ScryServer) broadcastDaemonStatus() {
	stats, err := s.svc.Queue.GetStats()
	if err != nil {
		s.logger.Debugw("Failed to get queue stats", "error", err)
		return
	}

	activeJobs, loadPercent := s.queueLoad(stats)

	// Actual spend out of llm_usage; zeros if the ledger is unreadable
	var budgetDaily, budgetWeekly, budgetMonthly float64
	if budgetStatus, err := s.svc.Budget.GetStatus(); err != nil {
		s.logger.Debugw("Failed to get budget status", "error", err)
	} else {
		budgetDaily = budgetStatus.DailySpend
		budgetWeekly = budgetStatus.WeeklySpend
		budgetMonthly = budgetStatus.MonthlySpend
	}

	s.mu.Lock()
	if !s.statusHasChangedLocked(activeJobs, stats.Queued, loadPercent, budgetDaily, budgetWeekly, budgetMonthly) {
		s.mu.Unlock()
		return
	}
	s.lastStatus = &cachedDaemonStatus{
		activeJobs:    activeJobs,
		queuedJobs:    stats.Queued,
		loadPercent:   loadPercent,
		budgetDaily:   budgetDaily,
		budgetWeekly:  budgetWeekly,
		budgetMonthly: budgetMonthly,
	}
	s.mu.Unlock()

	// Running reflects the operator's desired state, not this broadcaster
	daemonRunning, err := s.getDaemonState()
	if err != nil {
		daemonRunning = true
	}

	budgetLimits := s.svc.Budget.GetBudgetLimits()

	msg := DaemonStatusMessage{
		Type:               "daemon_status",
		Running:            daemonRunning,
		ActiveJobs:         activeJobs,
		QueuedJobs:         stats.Queued,
		LoadPercent:        loadPercent,
		BudgetDaily:        budgetDaily,
		BudgetWeekly:       budgetWeekly,
		BudgetMonthly:      budgetMonthly,
		BudgetDailyLimit:   budgetLimits.DailyBudgetUSD,
		BudgetWeeklyLimit:  budgetLimits.WeeklyBudgetUSD,
		BudgetMonthlyLimit: budgetLimits.MonthlyBudgetUSD,
		ServerState:        stateString(s.getState()),
		Timestamp:          time.Now().Unix(),
	}

	sent := s.broadcastMessage(msg)

	s.logger.Debugw("Broadcasted daemon status",
		"running", msg.Running,
		"active_jobs", msg.ActiveJobs,
		"queued_jobs", msg.QueuedJobs,
		"load_percent", msg.LoadPercent,
		"clients", sent,
	)
}

// detectDaemonActivityState buckets current queue pressure for the
// adaptive poller.
func (s *ScryServer) detectDaemonActivityState() DaemonState {
	stats, err := s.svc.Queue.GetStats()
	if err != nil {
		return DaemonIdle
	}

	_, loadPercent := s.queueLoad(stats)

	switch {
	case stats.Running > 5 || loadPercent > 60:
		return DaemonBusy
	case stats.Running > 0 || stats.Queued > 0:
		return DaemonActive
	default:
		return DaemonIdle
	}
}

func (s *ScryServer) getIntervalForActivityState(state DaemonState) time.Duration {
	switch state {
	case DaemonBusy:
		return 1 * time.Second
	case DaemonActive:
		return 5 * time.Second
	case DaemonIdle:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// usageHasChangedLocked reports whether usage stats moved since the last
// broadcast. Caller holds s.mu.
func (s *ScryServer) usageHasChangedLocked(totalCost float64, requests, success int, tokens int, models int) bool {
	if s.lastUsage == nil {
		return true
	}

	// Usage only moves when an LLM call lands, so any change is worth a frame
	return s.lastUsage.totalCost != totalCost ||
		s.lastUsage.requests != requests ||
		s.lastUsage.success != success ||
		s.lastUsage.tokens != tokens ||
		s.lastUsage.models != models
}

// statusHasChangedLocked reports whether daemon status moved enough to be
// worth a frame. Load gets 1% slack and spend a cent so jitter does not
// spam every client. Caller holds s.mu.
func (s *ScryServer) statusHasChangedLocked(activeJobs, queuedJobs int, loadPercent, budgetDaily, budgetWeekly, budgetMonthly float64) bool {
	if s.lastStatus == nil {
		return true
	}

	return s.lastStatus.activeJobs != activeJobs ||
		s.lastStatus.queuedJobs != queuedJobs ||
		absDiff(s.lastStatus.loadPercent, loadPercent) > 1.0 ||
		absDiff(s.lastStatus.budgetDaily, budgetDaily) > 0.01 ||
		absDiff(s.lastStatus.budgetWeekly, budgetWeekly) > 0.01 ||
		absDiff(s.lastStatus.budgetMonthly, budgetMonthly) > 0.01
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// getDaemonState reads the operator's desired daemon state. Row 1 is the
// only row; the migration seeds it.
func (s *ScryServer) getDaemonState() (enabled bool, err error) {
	err = s.db.QueryRow("SELECT enabled FROM daemon_config WHERE id = 1").Scan(&enabled)
	if err != nil {
		return false, errors.Wrap(err, "failed to get daemon state")
	}
	return enabled, nil
}

// setDaemonState persists the desired daemon state so it survives restarts.
func (s *ScryServer) setDaemonState(enabled bool) error {
	query := `
		INSERT INTO daemon_config (id, enabled, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, enabled); err != nil {
		return errors.Wrap(err, "failed to set daemon state")
	}
	return nil
}

func (s *ScryServer) startDaemon() error {
	if s.svc.Daemon == nil {
		return errors.New("daemon not initialized")
	}

	s.svc.Daemon.Start()
	if err := s.setDaemonState(true); err != nil {
		s.logger.Warnw("Failed to persist daemon state", "error", err)
	}
	s.logger.Infow(fmt.Sprintf("%s Pulse daemon started", sym.Pulse), "workers", s.svc.Daemon.Workers())
	s.broadcastDaemonStatus()
	return nil
}

func (s *ScryServer) stopDaemon() error {
	if s.svc.Daemon == nil {
		return errors.New("daemon not initialized")
	}

	s.svc.Daemon.Stop()
	if err := s.setDaemonState(false); err != nil {
		s.logger.Warnw("Failed to persist daemon state", "error", err)
	}
	s.logger.Infow(fmt.Sprintf("%s Pulse daemon stopped", sym.Pulse))
	s.broadcastDaemonStatus()
	return nil
}

// BroadcastDispatchComplete pushes a finished cascade run to every connected
// client. Jobs running on the daemon use this to surface results in the UI.
func (s *ScryServer) BroadcastDispatchComplete(msg *DispatchCompleteMessage) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("Broadcast channel full, dropping dispatch result",
			"run_id", msg.RunID,
		)
	}
}

// BroadcastJobUpdate implements pulse.JobBroadcaster for progress emitters.
// The parameter is *async.Job passed as interface{} to avoid import cycles.
func (s *ScryServer) BroadcastJobUpdate(job interface{}) {
	if j, ok := job.(*async.Job); ok {
		s.broadcastJobUpdate(j)
	}
}
