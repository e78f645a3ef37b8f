package server

// This file contains the resolution REST API for ScryServer:
// - Dispatch (POST /api/dispatch): fan a query out across engines
// - Resolve (POST /api/resolve): fetch readable content for one URL
// - Slots (POST/GET /api/slots, GET /api/slots/{id}): sufficiency loops
// - Engines (GET/PATCH /api/engines): registry inspection and toggling
// - Stats (GET /api/stats): operational counters

import (
	"net/http"
	"time"

	appcfg "github.com/teranos/scry/am"
	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/slot"
)

const (
	// Default and max limits for slot session listing
	defaultSessionLimit = 50
	maxSessionLimit     = 200
)

// HandleDispatch handles requests to /api/dispatch
// POST: Run a cascade dispatch and return the merged results
func (s *ScryServer) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Query   string   `json:"query"`
		Engines []string `json:"engines"`
		Tier    string   `json:"tier"`
		Tag     string   `json:"tag"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "Missing query")
		return
	}

	query, codes, err := s.svc.SelectEngines(req.Query, req.Engines, req.Tier, req.Tag)
	if err != nil {
		handleError(w, s.logger, err, "engine selection failed")
		return
	}

	s.logger.Infow("Dispatch via REST API",
		"query_length", len(query),
		"engines", codes,
		"remote", r.RemoteAddr,
	)

	run, err := s.svc.Dispatch(r.Context(), query, codes, nil)
	if err != nil {
		handleError(w, s.logger, err, "dispatch failed")
		return
	}

	merged := s.svc.Merge(run)
	counts := make(map[string]int)
	for status, n := range run.Counts() {
		counts[string(status)] = n
	}

	msg := &DispatchCompleteMessage{
		Type:       "dispatch_complete",
		RunID:      run.ID,
		Query:      run.Query,
		Merged:     merged,
		Counts:     counts,
		DurationMs: run.Duration.Milliseconds(),
		Timestamp:  time.Now().Unix(),
	}

	// Mirror to connected WebSocket clients so the console stays in sync
	s.BroadcastDispatchComplete(msg)

	writeJSON(w, http.StatusOK, msg)
}

// HandleResolve handles requests to /api/resolve
// POST: Resolve one URL through the fallback chain
func (s *ScryServer) HandleResolve(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "Missing url")
		return
	}

	s.logger.Infow("Resolve via REST API",
		"url", req.URL,
		"remote", r.RemoteAddr,
	)

	res, err := s.svc.ResolveContent(r.Context(), req.URL)
	if err != nil {
		// The result carries the chain of failed stages; return it with the error
		if res != nil {
			writeJSON(w, http.StatusBadGateway, res)
			return
		}
		handleError(w, s.logger, err, "resolve failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleSlots handles requests to /api/slots
// POST: Enqueue a slot resolution as a background job
// GET: List recent slot sessions
func (s *ScryServer) HandleSlots(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleEnqueueSlot(w, r)
	case http.MethodGet:
		s.handleListSlotSessions(w, r)
	}
}

// handleEnqueueSlot queues a slot resolution and returns the created job
func (s *ScryServer) handleEnqueueSlot(w http.ResponseWriter, r *http.Request) {
	var p slot.ResolvePayload
	if err := readJSON(w, r, &p); err != nil {
		return
	}
	if p.RequestedBy == "" {
		p.RequestedBy = "api:" + r.RemoteAddr
	}

	job, err := s.svc.EnqueueSlot(p)
	if err != nil {
		handleError(w, s.logger, err, "failed to enqueue slot resolution")
		return
	}

	s.logger.Infow("Slot resolution enqueued via REST API",
		"job_id", job.ID,
		"slot", p.SlotName,
		"remote", r.RemoteAddr,
	)

	writeJSON(w, http.StatusAccepted, job)
}

// handleListSlotSessions lists recent slot sessions
func (s *ScryServer) handleListSlotSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultSessionLimit, 1, maxSessionLimit)

	sessions, err := s.svc.Slots.ListSessions(r.Context(), limit)
	if err != nil {
		handleError(w, s.logger, err, "failed to list slot sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// HandleSlot handles requests to /api/slots/{id}
// GET: Get one slot session with its attempt trail
func (s *ScryServer) HandleSlot(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/slots/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing session ID")
		return
	}
	sessionID := pathParts[0]

	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	session, err := s.svc.Slots.GetSession(r.Context(), sessionID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get slot session")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// engineView joins a descriptor with its dispatch counters for the API
type engineView struct {
	engine.Descriptor
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// HandleEngines handles requests to /api/engines
// GET: List engines with usage counters (?tier=, ?tag=, ?disabled=true)
// PATCH: Toggle an engine on or off
func (s *ScryServer) HandleEngines(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPatch) {
		return
	}

	if r.Method == http.MethodPatch {
		s.handleToggleEngine(w, r)
		return
	}

	filter := engine.Filter{
		Tier:            engine.Tier(r.URL.Query().Get("tier")),
		Tag:             r.URL.Query().Get("tag"),
		IncludeDisabled: r.URL.Query().Get("disabled") == "true",
	}

	descriptors := s.svc.Registry.List(filter)
	usages := s.svc.Registry.Usages()

	engines := make([]engineView, 0, len(descriptors))
	for _, d := range descriptors {
		u := usages[d.Code]
		engines = append(engines, engineView{
			Descriptor: d,
			Calls:      u.Calls,
			Failures:   u.Failures,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engines": engines,
		"count":   len(engines),
	})
}

// handleToggleEngine enables or disables one engine, persisting the override
func (s *ScryServer) handleToggleEngine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Disabled *bool  `json:"disabled"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.Code == "" || req.Disabled == nil {
		writeError(w, http.StatusBadRequest, "Missing code or disabled")
		return
	}

	if _, ok := s.svc.Registry.Descriptor(req.Code); !ok {
		writeError(w, http.StatusNotFound, "Unknown engine: "+req.Code)
		return
	}

	// Apply to the live registry, then persist so restarts keep the setting
	s.svc.Registry.ApplyOverrides(nil, map[string]engine.Override{
		req.Code: {Disabled: req.Disabled},
	})
	if err := appcfg.UpdateEngineDisabled(req.Code, *req.Disabled); err != nil {
		s.logger.Warnw("Failed to persist engine override",
			"engine", req.Code,
			"error", err,
		)
	}

	s.logger.Infow("Engine toggled via REST API",
		"engine", req.Code,
		"disabled", *req.Disabled,
		"client", r.RemoteAddr,
	)

	desc, _ := s.svc.Registry.Descriptor(req.Code)
	writeJSON(w, http.StatusOK, desc)
}

// HandleStats handles requests to /api/stats
// GET: Operational snapshot (engine counters, resolver counters, captures)
func (s *ScryServer) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to gather stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
