package wslogs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestCoreCapturesOnlyDuringDispatch(t *testing.T) {
	transport, _ := subscribe(t, 1)
	core := NewCore(zapcore.InfoLevel)
	entry := dispatchEntry(zapcore.InfoLevel, "server", "Processing dispatch")

	// No dispatch in flight: entries are discarded, not an error
	require.NoError(t, core.Write(entry, nil))

	batcher := NewBatcher("q_1748779200000000000", transport)
	core.SetBatcher(batcher)
	require.NoError(t, core.Write(entry, nil))
	assert.Equal(t, 1, batcher.Count())

	core.ClearBatcher()
	require.NoError(t, core.Write(entry, nil))
	assert.Equal(t, 1, batcher.Count(), "entries after ClearBatcher must not reach the old batcher")

	assert.NoError(t, core.Sync())
}

func TestCoreLevelFiltering(t *testing.T) {
	transport, _ := subscribe(t, 1)
	core := NewCore(zapcore.InfoLevel)
	batcher := NewBatcher("q_1748779200000000001", transport)
	core.SetBatcher(batcher)

	debugEntry := dispatchEntry(zapcore.DebugLevel, "cascade", "Engine scheduled")
	infoEntry := dispatchEntry(zapcore.InfoLevel, "cascade", "Engine completed")

	assert.Nil(t, core.Check(debugEntry, nil))
	assert.NotNil(t, core.Check(infoEntry, nil))

	// Write re-checks the level for callers that bypass Check
	require.NoError(t, core.Write(debugEntry, nil))
	assert.Equal(t, 0, batcher.Count())
	require.NoError(t, core.Write(infoEntry, nil))
	assert.Equal(t, 1, batcher.Count())
}

// The UI's verbosity control changes the level on the root core. Loggers
// derived earlier via With share the same state, so the change must apply
// to them too.
func TestCoreSetLevelReachesDerivedLoggers(t *testing.T) {
	transport, _ := subscribe(t, 1)
	core := NewCore(zapcore.InfoLevel)
	batcher := NewBatcher("q_1748779200000000002", transport)
	core.SetBatcher(batcher)

	derived := core.With([]zapcore.Field{zap.String("engine", "ddg")})
	debugEntry := dispatchEntry(zapcore.DebugLevel, "engine.ddg", "Rate limit wait")

	require.NoError(t, derived.Write(debugEntry, nil))
	assert.Equal(t, 0, batcher.Count())

	core.SetLevel(zapcore.DebugLevel)
	require.NoError(t, derived.Write(debugEntry, nil))
	assert.Equal(t, 1, batcher.Count())

	core.SetLevel(zapcore.WarnLevel)
	require.NoError(t, derived.Write(dispatchEntry(zapcore.InfoLevel, "engine.ddg", "Fetching"), nil))
	assert.Equal(t, 1, batcher.Count())
}

func TestCoreWithAccumulatesFields(t *testing.T) {
	transport, ch := subscribe(t, 1)
	core := NewCore(zapcore.DebugLevel)
	batcher := NewBatcher("q_1748779200000000003", transport)
	core.SetBatcher(batcher)

	// Empty With is the same core, no clone
	assert.Same(t, core, core.With(nil))

	derived := core.
		With([]zapcore.Field{zap.String("engine", "crtsh")}).
		With([]zapcore.Field{zap.String("tier", "slow")})
	entry := dispatchEntry(zapcore.InfoLevel, "cascade", "Engine completed")
	require.NoError(t, derived.Write(entry, []zapcore.Field{zap.Int("results", 12)}))

	batcher.Flush()
	batch := receiveBatch(t, ch)
	require.Len(t, batch.Messages, 1)
	msg := batch.Messages[0]
	assert.Equal(t, "crtsh", msg.Fields["engine"])
	assert.Equal(t, "slow", msg.Fields["tier"])
	assert.Equal(t, int64(12), msg.Fields["results"])
}

// End to end through a real zap logger, the way the server wires it: the
// tee'd core captures sugared logging with its With context intact.
func TestCoreBehindZapLogger(t *testing.T) {
	transport, ch := subscribe(t, 1)
	core := NewCore(zapcore.InfoLevel)
	batcher := NewBatcher("q_1748779200000000004", transport)
	core.SetBatcher(batcher)

	log := zap.New(core).Named("cascade").Sugar().With("engine", "bsky")
	log.Infow("Engine completed", "results", 7)
	log.Debugw("Raw response", "bytes", 4096)

	core.ClearBatcher()
	batcher.Flush()

	batch := receiveBatch(t, ch)
	require.Len(t, batch.Messages, 1, "debug line should be filtered at info level")
	msg := batch.Messages[0]
	assert.Equal(t, "INFO", msg.Level)
	assert.Equal(t, "cascade", msg.Logger)
	assert.Equal(t, "Engine completed", msg.Message)
	assert.Equal(t, "bsky", msg.Fields["engine"])
	assert.Equal(t, int64(7), msg.Fields["results"])
}
