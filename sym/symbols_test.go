package sym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameOf(t *testing.T) {
	assert.Equal(t, "material", NameOf(Material))
	assert.Equal(t, "pulse-close", NameOf(PulseClose))
	assert.Equal(t, "", NameOf("?"))
}

func TestGlyphsAreDistinct(t *testing.T) {
	seen := map[string]string{}
	for _, e := range registry {
		if prev, ok := seen[e.glyph]; ok {
			t.Fatalf("glyph %q used by %s and %s", e.glyph, prev, e.name)
		}
		seen[e.glyph] = e.name
	}
}
