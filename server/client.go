package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/server/wslogs"
)

// Connection timing follows the gorilla chat example:
// https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// How long a single write may take before the connection is considered dead
	writeWait = 10 * time.Second

	// How long to wait for a pong before giving up on the peer
	pongWait = 60 * time.Second

	// Ping cadence; must beat pongWait or every connection times out
	pingPeriod = 54 * time.Second

	// Upper bound on inbound frames; dispatch payloads fit in 1MB
	maxMessageSize = 1024 * 1024
)

// Client is one WebSocket connection. Dispatch results, log batches, and
// everything else each ride their own channel so a slow consumer of one
// stream cannot starve the others.
type Client struct {
	server    *ScryServer
	conn      *websocket.Conn
	send      chan *DispatchCompleteMessage
	sendLog   chan *wslogs.Batch
	sendMsg   chan interface{} // progress, status, and error frames
	id        string
	closeOnce sync.Once
}

// readPump owns all reads on the connection. It exits on the first read
// error, which is how disconnects are detected.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	// Each pong pushes the read deadline forward; a peer that stops
	// answering pings times out within pongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", "client_id", c.id)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			// Ordinary hangups (going away, abnormal, no status) are not news
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"error", err.Error(),
					"client_id", c.id,
				)
			}
			return
		}
		c.routeMessage(raw)
	}
}

// routeMessage decodes one inbound frame and hands it to the matching
// handler. Unknown types are logged and dropped, never fatal.
func (c *Client) routeMessage(raw []byte) {
	if logger.ShouldOutput(int(c.server.verbosity.Load()), logger.OutputDataDump) {
		c.server.logger.Debugw("Received WebSocket message",
			"client_id", c.id,
			"size_bytes", len(raw),
		)
	}

	var msg QueryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.server.logger.Warnw("JSON unmarshal error",
			"error", err.Error(),
			"client_id", c.id,
		)
		return
	}

	switch msg.Type {
	case "dispatch":
		c.handleDispatch(msg)
	case "slot_run":
		c.handleSlotRun(msg)
	case "set_verbosity":
		c.handleSetVerbosity(msg.Verbosity)
	case "daemon_control":
		c.handleDaemonControl(msg)
	case "pulse_config_update":
		c.handlePulseConfigUpdate(msg)
	case "job_control":
		c.handleJobControl(msg)
	case "ping":
		// Nothing to do; reading the frame already reset the deadline
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id,
		)
	}
}

// writePump owns all writes on the connection: dispatch results, log
// batches, generic messages, and the keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.server.logger.Debugw("Write pump started", "client_id", c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			c.server.logger.Debugw("Write pump stopping due to server shutdown", "client_id", c.id)
			return

		case d, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// A failed dispatch write ends the connection; the client
			// missed the one message it was waiting for
			if err := c.conn.WriteJSON(d); err != nil {
				c.server.logger.Warnw("Dispatch write error",
					"error", err.Error(),
					"client_id", c.id,
				)
				return
			}

			if logger.ShouldOutput(int(c.server.verbosity.Load()), logger.OutputInternalOp) {
				c.server.logger.Debugw("Sent dispatch to client",
					"client_id", c.id,
					"run_id", d.RunID,
					"results", len(d.Merged),
				)
			}

		case logBatch, ok := <-c.sendLog:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}

			// Log batches are best-effort; a failed write is not worth
			// killing the connection over
			message := map[string]interface{}{
				"type": "logs",
				"data": logBatch,
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.server.logger.Debugw("Log batch write error",
					"error", err.Error(),
					"client_id", c.id,
				)
			}

		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}

			// Same policy as logs: progress and status frames are advisory
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id,
				)
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDispatch fans a query out across engines and broadcasts the merged
// result to every connected client
func (c *Client) handleDispatch(msg QueryMessage) {
	ctx := c.server.ctx // Use server's cancellable context
	queryID := fmt.Sprintf("q_%d", time.Now().UnixNano())

	query, engineCodes, err := c.server.svc.SelectEngines(msg.Query, msg.Engines, msg.Tier, msg.Tag)
	if err != nil {
		c.sendError("Dispatch failed", err)
		return
	}

	// Create log batcher for this query
	batcher := wslogs.NewBatcher(queryID, c.server.logTransport)

	// Set batcher on WebSocket core to start collecting logs
	c.server.wsCore.SetBatcher(batcher)
	defer func() {
		c.server.wsCore.ClearBatcher()
		batcher.Flush() // Send all collected logs
	}()

	// Log dispatch start
	c.server.logger.Infow("Processing dispatch",
		"query_id", queryID,
		"client_id", c.id,
		"query_length", len(query),
	)

	if logger.ShouldOutput(int(c.server.verbosity.Load()), logger.OutputDataDump) {
		c.server.logger.Debugw("Dispatch details",
			"query_id", queryID,
			"query", query,
			"engines", engineCodes,
		)
	}

	// Stream per-engine transitions to the requesting client as they happen
	progress := func(runID, engineCode string, status cascade.ExecutionStatus) {
		c.sendJSON(DispatchProgressMessage{
			Type:      "dispatch_progress",
			RunID:     runID,
			Engine:    engineCode,
			Status:    string(status),
			Timestamp: time.Now().Unix(),
		})
	}

	run, err := c.server.svc.Dispatch(ctx, query, engineCodes, progress)
	if err != nil {
		// Error already logged by scheduler - report to client for display
		c.sendError("Dispatch failed", err)
		return
	}

	merged := c.server.svc.Merge(run)
	counts := make(map[string]int)
	for status, n := range run.Counts() {
		counts[string(status)] = n
	}

	c.server.logger.Infow("Dispatch completed",
		"query_id", queryID,
		"run_id", run.ID,
		"results", len(merged),
		"duration_ms", run.Duration.Milliseconds(),
	)

	result := &DispatchCompleteMessage{
		Type:       "dispatch_complete",
		RunID:      run.ID,
		Query:      run.Query,
		Merged:     merged,
		Counts:     counts,
		DurationMs: run.Duration.Milliseconds(),
		Timestamp:  time.Now().Unix(),
	}

	// Broadcast to all clients (shared console) and cache for reconnects
	select {
	case c.server.broadcast <- result:
	case <-c.server.ctx.Done():
	default:
		c.server.logger.Warnw("Broadcast channel full, dropping dispatch result",
			"client_id", c.id,
			"query_id", queryID,
		)
	}
}

// handleSlotRun drives a sufficiency loop and streams iteration states back
// to the requesting client
func (c *Client) handleSlotRun(msg QueryMessage) {
	if msg.Slot == nil {
		c.server.logger.Warnw("Slot run request missing payload",
			"client_id", c.id,
		)
		return
	}
	p := msg.Slot

	c.server.logger.Infow("Slot run request",
		"slot", p.SlotName,
		"subject", p.Subject.Query(),
		"client_id", c.id,
	)

	_, states, err := c.server.svc.RunSlot(c.server.ctx, p.SlotName, p.Subject, p.Config, p.EngineChain)
	if err != nil {
		c.sendError("Slot run failed", err)
		return
	}

	// Forward iteration states as they arrive; channel closes on terminal state
	c.server.spawn(func() {
		for state := range states {
			c.sendJSON(SlotEventMessage{
				Type:      "slot_event",
				State:     state,
				Timestamp: time.Now().Unix(),
			})
		}
	})
}

// handleSetVerbosity moves the server's log level at runtime.
func (c *Client) handleSetVerbosity(verbosity int) {
	oldVerbosity := int(c.server.verbosity.Load())
	c.server.verbosity.Store(int32(verbosity))
	c.server.wsCore.SetLevel(logger.VerbosityToLevel(verbosity))

	c.server.logger.Infow("Verbosity level changed",
		"client_id", c.id,
		"old_verbosity", oldVerbosity,
		"new_verbosity", verbosity,
		"level_name", logger.LevelName(verbosity),
	)
}

// sendJSON queues a frame for writePump without ever blocking the caller.
func (c *Client) sendJSON(data interface{}) {
	select {
	case c.sendMsg <- data:
	default:
		c.server.logger.Warnw("Failed to queue message (channel full)",
			"client_id", c.id,
		)
	}
}

// sendError reports a failed request to the client with structured context
func (c *Client) sendError(message string, err error) {
	c.server.logger.Errorw(message,
		"error", err,
		"client_id", c.id,
	)
	c.sendJSON(ErrorMessage{
		Type:      "error",
		Message:   fmt.Sprintf("%s: %s", message, err.Error()),
		Details:   errors.GetAllDetails(err),
		Timestamp: time.Now().Unix(),
	})
}

// handleDaemonControl starts or stops the job daemon on request.
func (c *Client) handleDaemonControl(msg QueryMessage) {
	c.server.logger.Infow("Daemon control request",
		"action", msg.Action,
		"client_id", c.id,
	)

	var err error
	switch msg.Action {
	case "start":
		err = c.server.startDaemon()
	case "stop":
		err = c.server.stopDaemon()
	default:
		c.server.logger.Warnw("Unknown daemon control action",
			"action", msg.Action,
			"client_id", c.id,
		)
		return
	}

	if err != nil {
		c.server.logger.Errorw("Daemon control failed",
			"action", msg.Action,
			"error", err,
			"client_id", c.id,
		)
	}
}

// handlePulseConfigUpdate applies spending limits sent over the socket.
// A zero budget means "leave this tier alone"; negatives reject the whole
// request before anything is written.
func (c *Client) handlePulseConfigUpdate(msg QueryMessage) {
	log := c.server.logger.With(
		"daily_budget", msg.DailyBudget,
		"weekly_budget", msg.WeeklyBudget,
		"monthly_budget", msg.MonthlyBudget,
		"client_id", c.id,
	)
	log.Infow("Pulse config update request")

	tiers := []struct {
		name  string
		value float64
		apply func(float64) error
	}{
		{"daily", msg.DailyBudget, c.server.svc.Budget.UpdateDailyBudget},
		{"weekly", msg.WeeklyBudget, c.server.svc.Budget.UpdateWeeklyBudget},
		{"monthly", msg.MonthlyBudget, c.server.svc.Budget.UpdateMonthlyBudget},
	}

	for _, tier := range tiers {
		if tier.value < 0 {
			log.Warnw("Rejecting negative budget", "tier", tier.name)
			return
		}
	}

	for _, tier := range tiers {
		if tier.value == 0 {
			continue
		}
		if err := tier.apply(tier.value); err != nil {
			log.Errorw("Failed to update budget", "tier", tier.name, "error", err)
			return
		}
	}

	log.Infow("Pulse budgets updated")
}

// handleJobControl pauses, resumes, or describes a queued job.
func (c *Client) handleJobControl(msg QueryMessage) {
	log := c.server.logger.With(
		"action", msg.Action,
		"job_id", msg.JobID,
		"client_id", c.id,
	)
	log.Infow("Job control request")

	if msg.JobID == "" {
		log.Warnw("Missing job ID")
		return
	}

	queue := c.server.svc.Daemon.GetQueue()
	if queue == nil {
		log.Warnw("Queue not available")
		return
	}

	var err error
	switch msg.Action {
	case "pause":
		err = queue.PauseJob(msg.JobID, "User requested via UI")
	case "resume":
		err = queue.ResumeJob(msg.JobID)
	case "details":
		// Details go back to the requester only, not the whole room
		if job, getErr := queue.GetJob(msg.JobID); getErr == nil {
			c.sendJSON(JobUpdateMessage{
				Type: "job_details",
				Job:  job,
				Metadata: map[string]interface{}{
					"timestamp": time.Now().Unix(),
				},
			})
		}
		return
	default:
		log.Warnw("Unknown job control action")
		return
	}

	if err != nil {
		log.Errorw("Job control failed", "error", err)
		return
	}

	// Pause and resume are visible to everyone watching the job list
	log.Infow("Job state changed")
	if job, getErr := queue.GetJob(msg.JobID); getErr == nil {
		c.server.broadcastJobUpdate(job)
	}
}

// close shuts the client's channels exactly once; the hub may race the
// pumps to get here.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.send != nil {
			close(c.send)
		}
		if c.sendLog != nil {
			close(c.sendLog)
		}
		if c.sendMsg != nil {
			close(c.sendMsg)
		}
	})
}
