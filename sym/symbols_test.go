package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSymbolToCommandAndCommandToSymbolAreBidirectional(t *testing.T) {
	for glyph, cmd := range SymbolToCommand {
		assert.Equal(t, glyph, CommandToSymbol[cmd], "command %q", cmd)
	}
	for cmd, glyph := range CommandToSymbol {
		assert.Equal(t, cmd, SymbolToCommand[glyph], "glyph %q", glyph)
	}
	assert.Len(t, CommandToSymbol, len(SymbolToCommand))
}

func TestCommandDescriptionsCoverCommands(t *testing.T) {
	for cmd := range CommandToSymbol {
		assert.Contains(t, CommandDescriptions, cmd)
	}
	assert.Len(t, CommandDescriptions, len(CommandToSymbol))
}

func TestGlyphsAreSingleRunes(t *testing.T) {
	for _, g := range []string{AM, AT, SO, DB, Pulse, Ledger, PulseOpen, PulseClose} {
		assert.Equal(t, 1, utf8.RuneCountInString(g), "glyph %q", g)
	}
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "꩜ started", Prefix("pulse", "started"))
	assert.Equal(t, "plain", Prefix("version", "plain"))
}
