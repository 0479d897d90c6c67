package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddGetRemove(t *testing.T) {
	st := NewStore()
	s := New(&fakeConn{}, "127.0.0.1", "n")

	st.Add(s)
	assert.Equal(t, 1, st.Count())

	got, ok := st.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.True(t, st.Remove(s.ID))
	assert.Equal(t, 0, st.Count())

	_, ok = st.Get(s.ID)
	assert.False(t, ok)
}

func TestStore_RemoveUnknown(t *testing.T) {
	st := NewStore()
	assert.False(t, st.Remove("nope"))
	assert.Equal(t, 0, st.Count())
}

func TestStore_DoubleRemove(t *testing.T) {
	st := NewStore()
	s := New(&fakeConn{}, "127.0.0.1", "n")
	st.Add(s)

	assert.True(t, st.Remove(s.ID))
	assert.False(t, st.Remove(s.ID))
	assert.Equal(t, 0, st.Count())
}

func TestStore_Range(t *testing.T) {
	st := NewStore()
	a := New(&fakeConn{}, "127.0.0.1", "n")
	b := New(&fakeConn{}, "127.0.0.1", "n")
	st.Add(a)
	st.Add(b)

	seen := make(map[string]bool)
	st.Range(func(s *Session) bool {
		seen[s.ID] = true
		return true
	})
	assert.Len(t, seen, 2)
}
