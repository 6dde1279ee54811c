// Package sym defines canonical symbols for drover subsystems.
// These symbols are stable across CLI output and structured logs.
package sym

// Subsystem glyphs.
const (
	Material   = "⟲" // material polling and update dispatch
	Backoff    = "⧗" // retry deferral for failing materials
	Timeline   = "⇶" // natural order of pipeline run instances
	Agent      = "⚙" // build agent lifecycle
	Health     = "✚" // scoped server health
	DB         = "⊔" // database/storage layer
	Pulse      = "꩜" // timer driver and queue workers
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	AM         = "≡" // configuration ("I am")
)

// entry binds a glyph to the subsystem name used in CLI output.
type entry struct {
	glyph string
	name  string
}

var registry = []entry{
	{Material, "material"},
	{Backoff, "backoff"},
	{Timeline, "timeline"},
	{Agent, "agent"},
	{Health, "health"},
	{DB, "db"},
	{Pulse, "pulse"},
	{PulseOpen, "pulse-open"},
	{PulseClose, "pulse-close"},
	{AM, "am"},
}

// NameOf returns the subsystem name for a glyph, or "" if unknown.
func NameOf(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.name
		}
	}
	return ""
}
