package wslogs

import (
	"math"
	"time"

	"go.uber.org/zap/zapcore"
)

// Message is one log line as it travels to the UI console. Values are
// flattened to JSON-friendly shapes here so the front end never sees zap
// internals.
type Message struct {
	Level     string                 `json:"level"`            // "DEBUG", "INFO", "WARN", "ERROR"
	Timestamp time.Time              `json:"timestamp"`        // When the line was logged
	Logger    string                 `json:"logger"`           // Logger name (e.g., "server", "cascade")
	Message   string                 `json:"message"`          // Log message
	Fields    map[string]interface{} `json:"fields,omitempty"` // Structured fields
}

// Batch groups the log lines captured during a single dispatch so the UI
// can render them as one block, tagged with the query that produced them.
type Batch struct {
	Messages  []Message `json:"messages"`
	QueryID   string    `json:"query_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromZapEntry converts a zap entry and its fields into a Message.
func FromZapEntry(entry zapcore.Entry, fields []zapcore.Field) Message {
	fieldsMap := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		fieldsMap[f.Key] = fieldValue(f)
	}

	return Message{
		Level:     entry.Level.CapitalString(),
		Timestamp: entry.Time,
		Logger:    entry.LoggerName,
		Message:   entry.Message,
		Fields:    fieldsMap,
	}
}

// fieldValue unpacks a single zap field. Zap packs scalars into the
// Integer slot, so floats come back through Float64frombits and bools
// compare against 1. Durations and times are rendered as strings since
// the console prints them verbatim.
func fieldValue(f zapcore.Field) interface{} {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return f.Integer
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return uint64(f.Integer)
	case zapcore.Float64Type:
		return math.Float64frombits(uint64(f.Integer))
	case zapcore.Float32Type:
		return float64(math.Float32frombits(uint32(f.Integer)))
	case zapcore.BoolType:
		return f.Integer == 1
	case zapcore.DurationType:
		return time.Duration(f.Integer).String()
	case zapcore.TimeType:
		return time.Unix(0, f.Integer).UTC().Format(time.RFC3339)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return err.Error()
		}
		return f.Interface
	default:
		return f.Interface
	}
}
