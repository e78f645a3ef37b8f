package server

import (
	"net/http"
)

// setupHTTPRoutes configures all HTTP handlers on a per-server mux.
// Using our own mux (instead of http.DefaultServeMux) lets tests start
// multiple servers in one process without route collisions.
func (s *ScryServer) setupHTTPRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket)) // Custom WebSocket protocol (dispatch results, logs, job updates)
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/logs/download", s.corsMiddleware(s.HandleLogDownload))
	mux.HandleFunc("/api/timeseries/usage", s.corsMiddleware(s.HandleUsageTimeSeries))
	mux.HandleFunc("/api/usage/models", s.corsMiddleware(s.HandleUsageModelBreakdown)) // Per-model cost breakdown (GET)
	mux.HandleFunc("/api/config", s.corsMiddleware(s.HandleConfig))       // Runtime config (GET/POST/PATCH)
	mux.HandleFunc("/api/dispatch", s.corsMiddleware(s.HandleDispatch))   // Run a query across engines (POST)
	mux.HandleFunc("/api/resolve", s.corsMiddleware(s.HandleResolve))     // Resolve content through the fallback chain (POST)
	mux.HandleFunc("/api/slots", s.corsMiddleware(s.HandleSlots))         // List sessions (GET) / enqueue a slot run (POST)
	mux.HandleFunc("/api/slots/", s.corsMiddleware(s.HandleSlot))         // Individual slot session (GET)
	mux.HandleFunc("/api/engines", s.corsMiddleware(s.HandleEngines))     // List engines (GET) / toggle (PATCH)
	mux.HandleFunc("/api/stats", s.corsMiddleware(s.HandleStats))         // Aggregate page/session/job stats (GET)
	mux.HandleFunc("/api/pulse/jobs/", s.corsMiddleware(s.HandlePulseJob)) // Individual async job and sub-resources (GET)
	mux.HandleFunc("/api/pulse/jobs", s.corsMiddleware(s.HandlePulseJobs)) // List async jobs (GET)

	return mux
}

// corsMiddleware wraps a handler with the CORS headers the browser UI
// needs. Origins pass the same allowlist the WebSocket upgrade enforces
// (server.allowed_origins), so the two surfaces cannot drift apart.
func (s *ScryServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Echo the origin back only when the allowlist admits it
		if origin != "" && checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Short out preflight so handlers never see OPTIONS
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
