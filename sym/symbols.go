// Package sym defines canonical glyphs for scry operations and system markers.
// These symbols are stable across CLI output, server logs, and documentation.
package sym

// Primary operation glyphs — each backs a top-level CLI command.
const (
	Dispatch = "⋈" // dispatch — fan a query out across engines and merge
	Resolve  = "▤" // resolve — fetch page content through the fallback chain
	Slot     = "⌖" // slot — sufficiency loop until a slot is filled
	Engines  = "⊞" // engines — the source registry
	AM       = "≡" // am — configuration and system settings
)

// System infrastructure glyphs.
const (
	Pulse      = "꩜" // async jobs, rate limiting, budget management
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
)

// Commands lists the text commands that have a canonical glyph, in
// display order.
var Commands = []string{"dispatch", "resolve", "slot", "engines", "am", "pulse", "db"}

// PaletteOrder defines the canonical glyph ordering for status bars and
// summaries. Only includes primary operations (not system markers).
var PaletteOrder = []string{Dispatch, Resolve, Slot, Engines, AM}

// SymbolToCommand maps glyph strings to their text command equivalents.
var SymbolToCommand = map[string]string{
	Dispatch: "dispatch",
	Resolve:  "resolve",
	Slot:     "slot",
	Engines:  "engines",
	AM:       "am",
	Pulse:    "pulse",
	DB:       "db",
}

// CommandToSymbol maps text commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"dispatch": Dispatch,
	"resolve":  Resolve,
	"slot":     Slot,
	"engines":  Engines,
	"am":       AM,
	"pulse":    Pulse,
	"db":       DB,
}

// CommandDescriptions provides human-readable explanations for help text.
var CommandDescriptions = map[string]string{
	"dispatch": "Dispatch — Query engines in parallel and merge results",
	"resolve":  "Resolve — Fetch page content through the fallback chain",
	"slot":     "Slot — Iterate queries until a slot has enough results",
	"engines":  "Engines — Inspect and manage the source registry",
	"am":       "Configuration — System settings and state",
	"pulse":    "Pulse — Async jobs, rate limiting, budget management",
	"db":       "Database — Storage layer and migrations",
}
