package server

// Lifecycle: the server state flag, startup of the background
// broadcasters, and the ordered teardown in Stop.

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/scry/errors"
)

func (s *ScryServer) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *ScryServer) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString is the wire form of a state; daemon_status frames carry it.
func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices brings up the broadcasters and, when the saved
// state says so, the job daemon.
func (s *ScryServer) startBackgroundServices() {
	if s.svc.Daemon != nil {
		enabled, err := s.getDaemonState()
		if err != nil {
			s.logger.Warnw("Failed to read daemon state, defaulting to enabled", "error", err)
			enabled = true
		}

		if enabled {
			s.svc.Daemon.Start()
			s.logger.Infow("Daemon started (from saved state)", "workers", s.svc.Daemon.Workers())
		} else {
			s.logger.Infow("Daemon not started (disabled in saved state)")
		}
	}

	s.startUsageUpdateTicker()

	// The job and status broadcasters have nothing to say without a daemon
	if s.svc.Daemon != nil {
		s.startJobUpdateBroadcaster()
		s.startDaemonStatusBroadcaster()
	}
}

// Start runs the server on the requested port, sliding to a fallback when
// it is taken. Blocks until the listener fails or Stop shuts it down.
func (s *ScryServer) Start(port int) error {
	s.spawn(s.Run)
	s.startBackgroundServices()

	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	// ReadHeaderTimeout only: read/write timeouts would sever hijacked
	// WebSocket connections mid-session.
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.setupHTTPRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server ready",
		"url", fmt.Sprintf("http://localhost:%d", actualPort),
		"port", actualPort,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop tears the server down in dependency order: stop accepting work,
// stop producing it, then unwind the goroutines that move it.
func (s *ScryServer) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	// Shutdown covers the listener and plain HTTP requests. Hijacked
	// WebSocket connections are not; they get closed explicitly below.
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP server shutdown error", "error", err)
		}
	}

	// The daemon goes down before the hub so no job update chases a
	// broadcast worker that already exited
	if s.svc.Daemon != nil {
		s.logger.Infow("Stopping daemon workers")
		s.svc.Daemon.Stop()
		s.logger.Infow("Daemon stopped")
	}

	// Closing sockets before cancelling the context unblocks every
	// readPump; the other order leaves them parked in ReadMessage
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", "count", len(clientsToClose))
		for _, client := range clientsToClose {
			client.conn.Close()
		}
	}

	if s.cancel != nil {
		s.cancel()
	}

	// With sockets closed and the context cancelled, everything spawned
	// through the WaitGroup should drain fast
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", "error", err)
		} else {
			s.logger.Infow("Config watcher stopped")
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return nil
}
