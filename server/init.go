package server

import (
	"context"
	"database/sql"
	"fmt"

	appcfg "github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/internal/service"
	"github.com/teranos/scry/logger"
	"github.com/teranos/scry/pulse/budget"
	"github.com/teranos/scry/server/wslogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewServer creates a scry server around an assembled resolution service
func NewServer(db *sql.DB, dbPath string, verbosity int) (*ScryServer, error) {
	if db == nil {
		return nil, errors.New("database connection cannot be nil")
	}
	if verbosity < 0 || verbosity > 4 {
		return nil, errors.Newf("verbosity must be 0-4, got %d", verbosity)
	}

	serverLogger, wsCore, wsTransport, err := createServerLogger(verbosity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create logger")
	}
	if serverLogger == nil || wsCore == nil || wsTransport == nil {
		return nil, errors.New("logger creation returned nil components")
	}

	// A broken config file downgrades to defaults rather than refusing to
	// start; the operator can still reach the config API to inspect it
	cfg, err := appcfg.Load()
	if err != nil {
		serverLogger.Warnw("Failed to load config, using defaults", "error", err)
		cfg = &appcfg.Config{}
	}

	// Create cancellation context for lifecycle management. The same
	// context bounds the service's worker pool, so Stop drains jobs too.
	ctx, cancel := context.WithCancel(context.Background())

	svc, err := service.New(ctx, service.Options{
		DB:        db,
		Config:    cfg,
		Verbosity: verbosity,
		Logger:    serverLogger,
	})
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to assemble resolution service")
	}

	server := &ScryServer{
		db:           db,
		dbPath:       dbPath,
		svc:          svc,
		clients:      make(map[*Client]bool),
		broadcast:    make(chan *DispatchCompleteMessage, MaxClientMessageQueueSize),
		broadcastReq: make(chan *broadcastRequest, MaxClientMessageQueueSize),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		logger:       serverLogger,
		logTransport: wsTransport,
		wsCore:       wsCore,
		ctx:          ctx,
		cancel:       cancel,
	}
	server.verbosity.Store(int32(verbosity))
	server.state.Store(int32(ServerStateRunning))

	// Queued jobs report progress through the server's WebSocket clients
	svc.SetBroadcaster(server)

	// Set up config file watcher for auto-reload
	setupConfigWatcher(server, serverLogger)

	return server, nil
}

// createServerLogger builds the server's zap logger as a tee: the process
// console core, a core that batches records to WebSocket clients, and at
// -vv and up a debug log file.
func createServerLogger(verbosity int) (*zap.SugaredLogger, *wslogs.Core, *wslogs.Transport, error) {
	wsTransport := wslogs.NewTransport()
	wsCore := wslogs.NewCore(logger.VerbosityToLevel(verbosity))

	cores := []zapcore.Core{
		logger.Logger.Desugar().Core(),
		wsCore,
	}

	if verbosity >= 2 {
		// An unwritable log file costs the file core, not the server
		fileCore, err := createFileCore("tmp/scry-debug.log", verbosity)
		if err == nil {
			cores = append(cores, fileCore)
		}
	}

	serverLogger := zap.New(zapcore.NewTee(cores...)).Sugar().Named("server")
	return serverLogger, wsCore, wsTransport, nil
}

// setupConfigWatcher watches the loaded config file and pushes budget
// changes into the running tracker. Without a config file there is nothing
// to watch.
func setupConfigWatcher(server *ScryServer, serverLogger *zap.SugaredLogger) {
	configPath := appcfg.GetViper().ConfigFileUsed()
	if configPath == "" {
		serverLogger.Infow("No config file found, using defaults (config watching disabled)")
		return
	}

	serverLogger.Infow(fmt.Sprintf("Using config file: %s", configPath))

	configWatcher, err := appcfg.NewConfigWatcher(configPath)
	if err != nil {
		serverLogger.Warnw("Failed to create config watcher, manual restart required for config changes", "error", err)
		return
	}

	server.configWatcher = configWatcher

	// The watcher suppresses events for writes it made itself; registering
	// it globally is what closes that loop
	appcfg.SetGlobalWatcher(configWatcher)

	// Register callback to update budget limits when config changes.
	// The worker pool and resolver hold the tracker by reference, so the
	// new limits go in place rather than swapping the tracker out.
	configWatcher.OnReload(func(newCfg *appcfg.Config) error {
		serverLogger.Infow("Config reloaded, updating budget limits",
			"daily_budget", newCfg.Pulse.DailyBudgetUSD,
			"weekly_budget", newCfg.Pulse.WeeklyBudgetUSD,
			"monthly_budget", newCfg.Pulse.MonthlyBudgetUSD,
		)

		server.svc.Budget.SetLimits(budget.BudgetConfig{
			DailyBudgetUSD:    newCfg.Pulse.DailyBudgetUSD,
			WeeklyBudgetUSD:   newCfg.Pulse.WeeklyBudgetUSD,
			MonthlyBudgetUSD:  newCfg.Pulse.MonthlyBudgetUSD,
			CostPerResolveUSD: newCfg.Pulse.CostPerResolveUSD,
		})

		// The next daemon_status frame would carry the new limits anyway;
		// pushing one now makes the UI react immediately
		server.broadcastDaemonStatus()

		return nil
	})

	configWatcher.Start()
	serverLogger.Infow("Config watcher started", "path", configPath)
}
