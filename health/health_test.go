package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateReplacesPerScope(t *testing.T) {
	s := NewService(nil)
	scope := ForMaterialUpdate("fp")

	s.Update(Warning(scope, "first", ""))
	s.Update(Warning(scope, "second", ""))

	st, ok := s.Get(scope)
	require.True(t, ok)
	assert.Equal(t, "second", st.Message)
	assert.Len(t, s.All(), 1)
}

func TestRemoveByScope(t *testing.T) {
	s := NewService(nil)
	s.Update(Warning(ForMaterialUpdate("a"), "a hung", ""))
	s.Update(Error(ForAgent("u-1"), "agent stuck", ""))

	s.RemoveByScope(ForMaterialUpdate("a"))

	_, ok := s.Get(ForMaterialUpdate("a"))
	assert.False(t, ok)
	_, ok = s.Get(ForAgent("u-1"))
	assert.True(t, ok, "other scopes untouched")
}

func TestExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewServiceWithClock(nil, func() time.Time { return now })

	st := Warning(Global(), "duplicate agent", "")
	st.Expiry = 30 * time.Second
	s.Update(st)
	assert.Len(t, s.All(), 1)

	now = now.Add(30 * time.Second)
	assert.Empty(t, s.All())
	_, ok := s.Get(Global())
	assert.False(t, ok)
}

func TestAllOrderedByTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewServiceWithClock(nil, func() time.Time { return now })

	s.Update(Warning(ForAgent("b"), "later", ""))
	first := Warning(ForAgent("a"), "earlier", "")
	first.At = now.Add(-time.Minute)
	s.Update(first)

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "earlier", all[0].Message)
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "material_update:fp", ForMaterialUpdate("fp").String())
	assert.Equal(t, "global", Global().String())
}
