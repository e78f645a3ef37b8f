package logger

import (
	"github.com/teranos/scry/sym"
	"go.uber.org/zap"
)

// Symbol-aware logger wrappers. The symbol rides along as a structured
// field so logs stay queryable and messages stay clean.

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}
