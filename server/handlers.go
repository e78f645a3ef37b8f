package server

// HTTP surface of ScryServer: the WebSocket upgrade, health and log
// endpoints, usage charts, and the runtime config API. Cascade, resolve,
// and slot endpoints live in api.go; async job endpoints in
// pulse_async_jobs.go.

import (
	"fmt"
	"net/http"
	"os"
	"time"

	appcfg "github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/pulse/async"
	"github.com/teranos/scry/server/wslogs"
	"github.com/teranos/scry/version"
	"go.uber.org/zap"
)

// spawn runs fn on a tracked goroutine so Shutdown can wait for it.
func (s *ScryServer) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *ScryServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"error", err.Error(),
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	client := &Client{
		server:  s,
		conn:    conn,
		send:    make(chan *DispatchCompleteMessage, MaxClientMessageQueueSize),
		sendLog: make(chan *wslogs.Batch, MaxClientMessageQueueSize),
		sendMsg: make(chan interface{}, MaxClientMessageQueueSize),
		id:      fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	// Version goes out before writePump exists, so this is the only writer
	versionInfo := version.Get()
	versionMsg := VersionMessage{
		Type:       "version",
		Version:    versionInfo.Version,
		CommitHash: versionInfo.Short(),
		GoVersion:  versionInfo.GoVersion,
	}
	if err := conn.WriteJSON(versionMsg); err != nil {
		s.logger.Debugw("Failed to send version info",
			"client_id", client.id,
			"error", err,
		)
	}

	s.register <- client

	// Seed the new connection: job history so a hard refresh still shows
	// running work, and a daemon status frame so budget bars render now
	// instead of on the next slow tick
	s.spawn(func() { s.sendInitialJobsToClient(client) })
	s.spawn(func() { s.sendInitialDaemonStatusToClient(client) })

	s.spawn(client.readPump)
	s.spawn(client.writePump)
}

// sendInitialJobsToClient pushes job history to a client that just
// connected, once registration has had a moment to land.
func (s *ScryServer) sendInitialJobsToClient(client *Client) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-s.ctx.Done():
		return
	}

	if s.svc.Daemon == nil {
		return
	}

	jobs := s.loadJobHistoryForClient(client)
	if len(jobs) == 0 {
		return
	}

	s.logger.Debugw("Sending job history to new client",
		"client_id", client.id,
		"total", len(jobs),
	)

	for _, job := range jobs {
		s.sendJobToClient(client, job, true)
	}
}

// sendInitialDaemonStatusToClient gives a fresh client one status frame
// immediately. The broadcaster's idle tick is 30s away.
func (s *ScryServer) sendInitialDaemonStatusToClient(client *Client) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-s.ctx.Done():
		return
	}

	if s.svc.Daemon == nil || s.svc.Budget == nil {
		return
	}

	daemonRunning, _ := s.getDaemonState()

	stats, err := s.svc.Queue.GetStats()
	if err != nil {
		return
	}
	activeJobs, loadPercent := s.queueLoad(stats)

	var budgetDaily, budgetWeekly, budgetMonthly float64
	if budgetStatus, err := s.svc.Budget.GetStatus(); err == nil {
		budgetDaily = budgetStatus.DailySpend
		budgetWeekly = budgetStatus.WeeklySpend
		budgetMonthly = budgetStatus.MonthlySpend
	}

	budgetLimits := s.svc.Budget.GetBudgetLimits()

	s.sendToClient(client.id, DaemonStatusMessage{
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
	})
}

// sendToClient routes one message to a single client through the broadcast
// worker, which owns all channel sends. Reports whether the request was
// accepted, not whether the client got it.
func (s *ScryServer) sendToClient(clientID string, msg interface{}) bool {
	req := &broadcastRequest{
		reqType:  "message",
		msg:      msg,
		clientID: clientID,
	}

	select {
	case s.broadcastReq <- req:
		return true
	case <-s.ctx.Done():
	default:
	}
	return false
}

// loadJobHistoryForClient gathers what a fresh UI needs: everything still
// moving, plus recent completions and failures.
func (s *ScryServer) loadJobHistoryForClient(client *Client) []*async.Job {
	queue := s.svc.Queue
	var history []*async.Job

	sources := []struct {
		what string
		load func() ([]*async.Job, error)
	}{
		{"active jobs", func() ([]*async.Job, error) { return queue.ListActiveJobs(100) }},
		{"completed jobs", func() ([]*async.Job, error) { return queue.ListJobs(asyncJobStatusPtr(async.JobStatusCompleted), 50) }},
		{"failed jobs", func() ([]*async.Job, error) { return queue.ListJobs(asyncJobStatusPtr(async.JobStatusFailed), 50) }},
	}

	for _, src := range sources {
		jobs, err := src.load()
		if err != nil {
			s.logger.Warnw("Failed to load "+src.what, "client_id", client.id, "error", err)
			continue
		}
		history = append(history, jobs...)
	}

	return history
}

func (s *ScryServer) sendJobToClient(client *Client, job *async.Job, isInitial bool) {
	msg := JobUpdateMessage{
		Type: "job_update",
		Job:  job,
		Metadata: map[string]interface{}{
			"timestamp": time.Now().Unix(),
			"initial":   isInitial,
		},
	}

	if !s.sendToClient(client.id, msg) {
		s.logger.Warnw("Broadcast request queue full, skipping job",
			"client_id", client.id,
			"job_id", job.ID,
		)
	}
}

// HandleLogDownload serves the debug log file for download.
func (s *ScryServer) HandleLogDownload(w http.ResponseWriter, r *http.Request) {
	logPath := "tmp/scry-debug.log"

	// The file only exists at -vv and up
	verbosity := int(s.verbosity.Load())
	if verbosity < 2 {
		http.Error(w, "File logging is not enabled. Use verbosity >= 2 (-vv) to enable file logging.", http.StatusNotFound)
		s.logger.Warnw("Log download attempted but file logging disabled",
			"verbosity", verbosity,
			"client", r.RemoteAddr,
		)
		return
	}

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		http.Error(w, "Log file not found. It may not have been created yet.", http.StatusNotFound)
		s.logger.Warnw("Log file not found",
			"path", logPath,
			"client", r.RemoteAddr,
		)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=scry-debug.log")
	w.Header().Set("Cache-Control", "no-cache")

	http.ServeFile(w, r, logPath)

	s.logger.Infow("Log file downloaded",
		"path", logPath,
		"client", r.RemoteAddr,
	)
}

// HandleHealth answers liveness probes with version and client counts.
func (s *ScryServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    versionInfo.Version,
		"commit":     versionInfo.CommitHash,
		"build_time": versionInfo.BuildTime,
		"clients":    clientCount,
		"verbosity":  int(s.verbosity.Load()),
	})
}

// HandleUsageTimeSeries serves daily usage aggregates for the spend chart.
// The ?days= window defaults to a week and clamps to a year.
func (s *ScryServer) HandleUsageTimeSeries(w http.ResponseWriter, r *http.Request) {
	days := parseIntQueryParam(r, "days", 7, 1, 365)

	data, err := s.svc.Usage.GetTimeSeriesData(days)
	if err != nil {
		writeWrappedError(w, s.logger, err, fmt.Sprintf("failed to fetch time-series data (days=%d)", days), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// HandleUsageModelBreakdown serves per-model cost, token, and latency
// aggregates for the usage panel's model table.
func (s *ScryServer) HandleUsageModelBreakdown(w http.ResponseWriter, r *http.Request) {
	days := parseIntQueryParam(r, "days", 7, 1, 365)
	since := time.Now().AddDate(0, 0, -days)

	breakdown, err := s.svc.Usage.GetModelBreakdown(since)
	if err != nil {
		writeWrappedError(w, s.logger, err, fmt.Sprintf("failed to fetch model breakdown (days=%d)", days), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":   days,
		"models": breakdown,
	})
}

// HandleConfig is the runtime config endpoint: GET reads (optionally with
// provenance via ?introspection=true), POST/PATCH applies updates.
func (s *ScryServer) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost, http.MethodPatch) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetConfig(w, r)
	case http.MethodPost, http.MethodPatch:
		s.handleUpdateConfig(w, r)
	}
}

func (s *ScryServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("introspection") == "true" {
		introspection, err := appcfg.GetConfigIntrospection()
		if err != nil {
			writeWrappedError(w, s.logger, err, "failed to get config introspection", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, introspection)
		return
	}

	// Plain GET answers with the knobs the UI edits plus live budget state
	status, err := s.svc.Budget.GetStatus()
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to get budget status", http.StatusInternalServerError)
		return
	}

	config := map[string]interface{}{
		"config_file": appcfg.GetViper().ConfigFileUsed(),
		"local_inference": map[string]interface{}{
			"enabled": appcfg.GetBool("local_inference.enabled"),
			"model":   appcfg.GetString("local_inference.model"),
		},
		"openrouter": map[string]interface{}{
			"model": appcfg.GetString("openrouter.model"),
		},
		"pulse": map[string]interface{}{
			"daily_budget_usd":   status.DailyRemaining + status.DailySpend,
			"weekly_budget_usd":  status.WeeklyRemaining + status.WeeklySpend,
			"monthly_budget_usd": status.MonthlyRemaining + status.MonthlySpend,
			"daily_spend":        status.DailySpend,
			"weekly_spend":       status.WeeklySpend,
			"monthly_spend":      status.MonthlySpend,
			"daily_remaining":    status.DailyRemaining,
			"weekly_remaining":   status.WeeklyRemaining,
			"monthly_remaining":  status.MonthlyRemaining,
		},
	}

	writeJSON(w, http.StatusOK, config)
}

// badTypeError marks a JSON value whose type does not match the config key.
type badTypeError string

func (e badTypeError) Error() string { return "expected " + string(e) }

// configUpdaters maps the UI-editable keys to typed appliers. Each applier
// rejects a wrong-typed JSON value before anything touches the config file.
var configUpdaters = map[string]func(value interface{}) error{
	"local_inference.enabled": func(value interface{}) error {
		v, ok := value.(bool)
		if !ok {
			return badTypeError("bool")
		}
		return appcfg.UpdateLocalInferenceEnabled(v)
	},
	"local_inference.model": func(value interface{}) error {
		v, ok := value.(string)
		if !ok {
			return badTypeError("string")
		}
		return appcfg.UpdateLocalInferenceModel(v)
	},
	"openrouter.model": func(value interface{}) error {
		v, ok := value.(string)
		if !ok {
			return badTypeError("string")
		}
		return appcfg.UpdateOpenRouterModel(v)
	},
}

// applyConfigKeyUpdate applies one key from the updates map. Reports false
// when a response has already been written.
func applyConfigKeyUpdate(w http.ResponseWriter, log *zap.SugaredLogger, key string, value interface{}, clientAddr string) bool {
	apply, ok := configUpdaters[key]
	if !ok {
		log.Warnw("Unsupported config key in updates", "key", key, "client", clientAddr)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported config key: %s", key))
		return false
	}

	if err := apply(value); err != nil {
		var bad badTypeError
		if errors.As(err, &bad) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid value type for %s: %s", key, bad.Error()))
			return false
		}
		writeWrappedError(w, log, err, fmt.Sprintf("failed to update %s", key), http.StatusInternalServerError)
		return false
	}

	log.Infow("Config updated via REST API", "key", key, "value", value, "client", clientAddr)
	return true
}

// applyBudgetUpdate applies one budget tier when the request set it.
// Reports false when a response has already been written.
func applyBudgetUpdate(w http.ResponseWriter, log *zap.SugaredLogger, value *float64, name string, updateFn func(float64) error, clientAddr string) bool {
	if value == nil {
		return true
	}
	if err := updateFn(*value); err != nil {
		writeWrappedError(w, log, err, fmt.Sprintf("failed to update %s budget", name), http.StatusBadRequest)
		return false
	}
	log.Infow(fmt.Sprintf("%s budget updated via REST API", name),
		name+"_budget", *value,
		"client", clientAddr,
	)
	return true
}

func (s *ScryServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pulse struct {
			DailyBudgetUSD   *float64 `json:"daily_budget_usd"`
			WeeklyBudgetUSD  *float64 `json:"weekly_budget_usd"`
			MonthlyBudgetUSD *float64 `json:"monthly_budget_usd"`
		} `json:"pulse"`
		Updates map[string]interface{} `json:"updates"`
	}

	if err := readJSON(w, r, &req); err != nil {
		return
	}

	for key, value := range req.Updates {
		if !applyConfigKeyUpdate(w, s.logger, key, value, r.RemoteAddr) {
			return
		}
	}

	pulseLog := logger.AddPulseSymbol(s.logger)
	if !applyBudgetUpdate(w, pulseLog, req.Pulse.DailyBudgetUSD, "daily", s.svc.Budget.UpdateDailyBudget, r.RemoteAddr) {
		return
	}
	if !applyBudgetUpdate(w, pulseLog, req.Pulse.WeeklyBudgetUSD, "weekly", s.svc.Budget.UpdateWeeklyBudget, r.RemoteAddr) {
		return
	}
	if !applyBudgetUpdate(w, pulseLog, req.Pulse.MonthlyBudgetUSD, "monthly", s.svc.Budget.UpdateMonthlyBudget, r.RemoteAddr) {
		return
	}

	// Answer with the post-update view so the UI can re-render from it
	s.handleGetConfig(w, r)
}

// asyncJobStatusPtr exists because queue.ListJobs filters by *JobStatus.
func asyncJobStatusPtr(status async.JobStatus) *async.JobStatus {
	return &status
}
