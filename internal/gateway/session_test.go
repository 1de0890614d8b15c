package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID_UniqueAndLongEnough(t *testing.T) {
	t.Parallel()

	id1, err := NewSessionID()
	require.NoError(t, err)
	id2, err := NewSessionID()
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	// hex-encoded 32 bytes == 64 characters == 256 bits, comfortably >= 128.
	assert.Len(t, id1, 64)
}

func TestSession_EnableAndIsEnabled(t *testing.T) {
	t.Parallel()

	s := NewSession("sess-1")
	assert.False(t, s.IsEnabled("weather"))

	_, ok := s.Tools("weather")
	assert.False(t, ok)

	s.enable("weather", []string{"get_forecast", "get_alerts"})
	assert.True(t, s.IsEnabled("weather"))

	tools, ok := s.Tools("weather")
	require.True(t, ok)
	assert.Equal(t, []string{"get_forecast", "get_alerts"}, tools)
}

func TestSession_Tools_ReturnsDefensiveCopy(t *testing.T) {
	t.Parallel()

	s := NewSession("sess-1")
	s.enable("weather", []string{"get_forecast"})

	tools, _ := s.Tools("weather")
	tools[0] = "mutated"

	freshTools, _ := s.Tools("weather")
	assert.Equal(t, "get_forecast", freshTools[0])
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()

	s := NewSession("sess-1")
	s.enable("weather", []string{"get_forecast"})
	s.enable("calculator", []string{"add"})

	s.Reset()

	assert.False(t, s.IsEnabled("weather"))
	assert.False(t, s.IsEnabled("calculator"))
	assert.Empty(t, s.EnabledServerNames())
}

func TestSession_EnabledServerNames(t *testing.T) {
	t.Parallel()

	s := NewSession("sess-1")
	s.enable("weather", []string{"get_forecast"})
	s.enable("calculator", []string{"add"})

	names := s.EnabledServerNames()
	assert.ElementsMatch(t, []string{"weather", "calculator"}, names)
}

func TestStore_CreateGetDelete(t *testing.T) {
	t.Parallel()

	store := NewStore()
	assert.Equal(t, 0, store.Len())

	sess, err := store.Create()
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	got, ok := store.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	store.Delete(sess.ID)
	assert.Equal(t, 0, store.Len())

	_, ok = store.Get(sess.ID)
	assert.False(t, ok)
}

func TestStore_Put_DoesNotOverwriteExisting(t *testing.T) {
	t.Parallel()

	store := NewStore()
	first := NewSession("shared-id")
	first.enable("weather", []string{"get_forecast"})
	store.put("shared-id", first)

	second := NewSession("shared-id")
	store.put("shared-id", second)

	got, ok := store.Get("shared-id")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.True(t, got.IsEnabled("weather"))
}

func TestStore_SessionIsolation(t *testing.T) {
	t.Parallel()

	store := NewStore()
	a, err := store.Create()
	require.NoError(t, err)
	b, err := store.Create()
	require.NoError(t, err)

	a.enable("weather", []string{"get_forecast"})

	assert.True(t, a.IsEnabled("weather"))
	assert.False(t, b.IsEnabled("weather"))
}
