package wslogs

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// Core is a zapcore.Core that mirrors server logs to WebSocket clients.
// It sits behind zapcore.NewTee alongside the console core, so every line
// logged while a dispatch runs also lands in the batch streamed to the UI.
//
// With clones share one coreState: the batcher set at dispatch start and
// verbosity changes made from the UI reach every derived logger, while
// each clone keeps its own accumulated fields.
type Core struct {
	state  *coreState
	fields []zapcore.Field
}

type coreState struct {
	mu      sync.RWMutex
	level   zapcore.LevelEnabler
	batcher *Batcher
}

// NewCore creates a core that captures entries at or above level.
func NewCore(level zapcore.LevelEnabler) *Core {
	return &Core{state: &coreState{level: level}}
}

// SetBatcher directs captured entries into batcher. Called when a dispatch
// starts; until then (and after ClearBatcher) entries are discarded.
func (c *Core) SetBatcher(batcher *Batcher) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.batcher = batcher
}

// ClearBatcher stops capture once the dispatch completes.
func (c *Core) ClearBatcher() {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.batcher = nil
}

// SetLevel swaps the capture threshold at runtime. The UI's verbosity
// control goes through here so the change applies to all clones at once.
func (c *Core) SetLevel(level zapcore.LevelEnabler) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.level = level
}

// Enabled reports whether entries at lvl are currently captured.
func (c *Core) Enabled(lvl zapcore.Level) bool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.level.Enabled(lvl)
}

// With returns a clone carrying the extra fields. Loggers derived via
// logger.With keep their context in UI output instead of losing it.
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	if len(fields) == 0 {
		return c
	}
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &Core{state: c.state, fields: merged}
}

// Check registers this core for entries it would capture.
func (c *Core) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

// Write converts the entry and appends it to the current batch. The level
// is re-checked because Write can be called directly, bypassing Check.
func (c *Core) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if !c.Enabled(entry.Level) {
		return nil
	}

	c.state.mu.RLock()
	batcher := c.state.batcher
	c.state.mu.RUnlock()

	// No dispatch in flight, nowhere to stream
	if batcher == nil {
		return nil
	}

	if len(c.fields) > 0 {
		merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
		merged = append(merged, c.fields...)
		merged = append(merged, fields...)
		fields = merged
	}

	batcher.Append(FromZapEntry(entry, fields))
	return nil
}

// Sync is a no-op; batching is flushed explicitly at dispatch end.
func (c *Core) Sync() error {
	return nil
}
