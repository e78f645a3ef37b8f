package server

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	appcfg "github.com/teranos/scry/am"
	"github.com/teranos/scry/errors"
	"github.com/teranos/scry/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     checkOrigin,
	}
}

// checkOrigin accepts WebSocket handshakes from the configured origins.
// Prefix matching so any port on an allowed host passes. No Origin header
// at all also passes, which is what wscat and the CLI send.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	cfg, err := appcfg.Load()
	if err != nil {
		// Unreadable config narrows the allowlist to localhost
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}

	for _, allowed := range cfg.GetServerAllowedOrigins() {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}

	return false
}

func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close() // best-effort probe, the real bind happens later
	return true
}

// findAvailablePort probes for a port the server can actually bind.
// Order: the requested port, the two well-known scry ports, then the
// 56787-56796 scratch range.
func findAvailablePort(requestedPort int) (int, error) {
	candidates := []int{requestedPort, appcfg.DefaultServerPort, appcfg.FallbackServerPort}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, 56787+i)
	}

	probed := make(map[int]bool)
	for _, port := range candidates {
		if probed[port] {
			continue
		}
		probed[port] = true
		if isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, errors.Newf("no available ports found (tried %d, %d, %d, and range 56787-56796)",
		requestedPort, appcfg.DefaultServerPort, appcfg.FallbackServerPort)
}

// createFileCore opens path for append and wraps it in a zap core that
// writes plain text. Color codes never belong in a file.
func createFileCore(path string, verbosity int) (zapcore.Core, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log file %s", path)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(file),
		logger.VerbosityToLevel(verbosity),
	), nil
}
