package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/scry/am"
	"github.com/teranos/scry/internal/service"
	"github.com/teranos/scry/server/wslogs"
	"github.com/teranos/scry/version"
	"go.uber.org/zap"
)

// ScryServer provides live-updating dispatch results for investigation consoles
type ScryServer struct {
	db            *sql.DB
	dbPath        string            // shown in the startup banner
	svc           *service.Service  // Resolution engine, slot loops, daemon, budget, usage
	configWatcher *am.ConfigWatcher // reloads budgets when the config file changes

	clients      map[*Client]bool
	broadcast    chan *DispatchCompleteMessage
	broadcastReq chan *broadcastRequest
	register     chan *Client
	unregister   chan *Client
	mu           sync.RWMutex
	lastDispatch *DispatchCompleteMessage // replayed to clients that connect late
	lastStatus   *cachedDaemonStatus      // last broadcast status, for change detection
	lastUsage    *cachedUsageStats        // last broadcast usage, for change detection
	verbosity    atomic.Int32
	logger       *zap.SugaredLogger
	logTransport *wslogs.Transport
	wsCore       *wslogs.Core

	httpServer *http.Server

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64 // messages dropped on full client buffers
	state          atomic.Int32 // running/draining/stopped
}

// broadcastRequest is a unit of work for the broadcast worker. All client
// channel sends and closes flow through the worker, so no other goroutine
// ever races a send against close().
type broadcastRequest struct {
	reqType  string                   // "dispatch", "message", or "close"
	dispatch *DispatchCompleteMessage // reqType "dispatch"
	msg      interface{}              // reqType "message"
	client   *Client                  // reqType "close"
	clientID string                   // Non-empty: deliver to this client only
}

// runBroadcastWorker owns all sends on client channels.
// Started before the hub processes any messages.
func (s *ScryServer) runBroadcastWorker() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Broadcast worker stopping due to context cancellation")
			return
		case req := <-s.broadcastReq:
			switch req.reqType {
			case "dispatch":
				s.deliverDispatch(req)
			case "message":
				s.deliverMessage(req)
			case "close":
				req.client.close()
			}
		}
	}
}

// deliverDispatch pushes a dispatch result to client send channels.
// A client whose channel is full cannot keep up and gets removed.
func (s *ScryServer) deliverDispatch(req *broadcastRequest) {
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		if req.clientID == "" || client.id == req.clientID {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- req.dispatch:
		default:
			s.broadcastDrops.Add(1)
			s.removeSlowClient(client)
		}
	}
}

// deliverMessage pushes a status message to client sendMsg channels.
// Status messages repeat on a ticker, so a full channel just drops this one.
func (s *ScryServer) deliverMessage(req *broadcastRequest) {
	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		if req.clientID == "" || client.id == req.clientID {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.sendMsg <- req.msg:
		default:
			s.broadcastDrops.Add(1)
			s.logger.Debugw("Client message channel full, dropping message",
				"client_id", client.id,
			)
		}
	}
}

// queueDispatch hands a dispatch to the broadcast worker. An empty
// clientID means everyone.
func (s *ScryServer) queueDispatch(msg *DispatchCompleteMessage, clientID string) {
	req := &broadcastRequest{
		reqType:  "dispatch",
		dispatch: msg,
		clientID: clientID,
	}
	select {
	case s.broadcastReq <- req:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("Broadcast request queue full, dropping dispatch",
			"client_id", clientID,
		)
	}
}

// handleClientRegister admits a new client, announces the connection on
// the UI log panel, and replays the last dispatch so the console does not
// open empty.
func (s *ScryServer) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	totalClients := len(s.clients)
	cachedDispatch := s.lastDispatch
	s.mu.Unlock()

	s.logTransport.RegisterClient(client.id, client.sendLog)

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", totalClients,
	)

	// One line in the UI log panel right away, so the user sees the
	// socket is live before any query runs
	s.logTransport.SendBatch(&wslogs.Batch{
		Messages: []wslogs.Message{{
			Level:     "INFO",
			Timestamp: time.Now(),
			Logger:    "server",
			Message:   "WebSocket connection established",
			Fields: map[string]interface{}{
				"client_id": client.id,
				"version":   version.Get().Short(),
			},
		}},
		QueryID:   "connection",
		Timestamp: time.Now(),
	})

	if cachedDispatch == nil {
		return
	}

	s.logger.Infow("Sending cached dispatch to reconnected client",
		"client_id", client.id,
		"run_id", cachedDispatch.RunID,
		"results", len(cachedDispatch.Merged),
	)
	s.queueDispatch(cachedDispatch, client.id)
}

// handleClientUnregister removes a departing client. Closing its channels
// is delegated to the broadcast worker so the close cannot race a send.
func (s *ScryServer) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	totalClients := len(s.clients)
	s.mu.Unlock()

	select {
	case s.broadcastReq <- &broadcastRequest{reqType: "close", client: client}:
	case <-s.ctx.Done():
		// The worker is gone during shutdown; closing here cannot race it
		client.close()
	}

	s.logTransport.UnregisterClient(client.id)

	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", totalClients,
	)
}

// removeSlowClient evicts a client whose send buffer stayed full. Runs on
// the broadcast worker, the one goroutine allowed to close directly.
func (s *ScryServer) removeSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	client.close()
	s.logTransport.UnregisterClient(client.id)

	s.logger.Warnw("Client send channel full, removing client",
		"client_id", client.id,
		"total_drops", s.broadcastDrops.Load(),
	)
}

// handleBroadcast fans a dispatch result out to the room and caches it
// for whoever connects next.
func (s *ScryServer) handleBroadcast(msg *DispatchCompleteMessage) {
	s.mu.Lock()
	s.lastDispatch = msg
	s.mu.Unlock()

	s.queueDispatch(msg, "")
}

// Run is the hub event loop: registrations, departures, and dispatch
// broadcasts, serialized through one goroutine.
func (s *ScryServer) Run() {
	// The worker must exist before the first register can replay a
	// cached dispatch
	go s.runBroadcastWorker()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		case msg := <-s.broadcast:
			s.handleBroadcast(msg)
		}
	}
}
