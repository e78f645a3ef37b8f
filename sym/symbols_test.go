package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestEveryCommandHasAGlyph(t *testing.T) {
	for _, cmd := range Commands {
		glyph, ok := CommandToSymbol[cmd]
		assert.True(t, ok, "command %q has no glyph", cmd)
		assert.True(t, utf8.ValidString(glyph), "glyph for %q is not valid UTF-8", cmd)
		assert.NotEmpty(t, glyph)
	}
}

func TestGlyphMapsAreBidirectional(t *testing.T) {
	assert.Len(t, SymbolToCommand, len(CommandToSymbol))
	for cmd, glyph := range CommandToSymbol {
		assert.Equal(t, cmd, SymbolToCommand[glyph], "glyph %q should map back to %q", glyph, cmd)
	}
}

func TestGlyphsAreUnique(t *testing.T) {
	seen := make(map[string]string, len(CommandToSymbol))
	for cmd, glyph := range CommandToSymbol {
		if prev, dup := seen[glyph]; dup {
			t.Errorf("glyph %q claimed by both %q and %q", glyph, prev, cmd)
		}
		seen[glyph] = cmd
	}
}

func TestDescriptionsCoverExactlyTheCommands(t *testing.T) {
	assert.Len(t, CommandDescriptions, len(CommandToSymbol))
	for cmd := range CommandToSymbol {
		assert.Contains(t, CommandDescriptions, cmd)
	}
}

func TestPaletteOrderIsThePrimaryOperations(t *testing.T) {
	assert.Equal(t, []string{Dispatch, Resolve, Slot, Engines, AM}, PaletteOrder,
		"palette order is the canonical operation ordering")

	seen := make(map[string]bool, len(PaletteOrder))
	for _, glyph := range PaletteOrder {
		assert.Contains(t, SymbolToCommand, glyph)
		assert.False(t, seen[glyph], "duplicate glyph %q in palette", glyph)
		seen[glyph] = true
	}
}
