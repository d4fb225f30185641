// Package sym defines the glyphs cadence prints in CLI output and attaches
// to log lines. They are stable across releases so log queries keep working.
package sym

// Command glyphs
const (
	AM     = "≡" // am: configuration
	AT     = "✦" // at: scheduled actions
	SO     = "⟶" // so: runs, the consequence of an occurrence
	DB     = "⊔" // db: storage and migrations
	Pulse  = "꩜" // pulse: scheduling and dispatch
	Ledger = "▤" // runs listed from the ledger
)

// Lifecycle glyphs
const (
	PulseOpen  = "✿" // daemon startup
	PulseClose = "❀" // graceful shutdown
)

// SymbolToCommand maps glyphs to the CLI command they head
var SymbolToCommand = map[string]string{
	AM:    "am",
	AT:    "action",
	SO:    "runs",
	DB:    "db",
	Pulse: "pulse",
}

// CommandToSymbol maps CLI commands to their glyph
var CommandToSymbol = map[string]string{
	"am":     AM,
	"action": AT,
	"runs":   SO,
	"db":     DB,
	"pulse":  Pulse,
}

// CommandDescriptions is the one-line help for each command group
var CommandDescriptions = map[string]string{
	"am":     "Configuration — settings and where they come from",
	"action": "Actions — one-time and recurring reminders and automations",
	"runs":   "Runs — the ledger of attempted occurrences",
	"db":     "Database — migrations and storage",
	"pulse":  "Pulse — the scheduling daemon",
}

// Prefix returns "<glyph> <text>" for the command, or text alone when the
// command has no glyph.
func Prefix(command, text string) string {
	if g, ok := CommandToSymbol[command]; ok {
		return g + " " + text
	}
	return text
}
