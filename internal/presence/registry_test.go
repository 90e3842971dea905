package presence

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct{ id int }

func TestRegisterLookup(t *testing.T) {
	r := NewRegistry[*conn]()
	a := &conn{1}

	require.NoError(t, r.Register("alice", a))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Lookup("bob")
	assert.False(t, ok)

	require.ErrorIs(t, r.Register("alice", &conn{2}), ErrAlreadyOnline)
	require.ErrorIs(t, r.Register("alice", a), ErrAlreadyOnline)
}

func TestUnregisterIsCompareAndDelete(t *testing.T) {
	r := NewRegistry[*conn]()
	old, newer := &conn{1}, &conn{2}

	require.NoError(t, r.Register("alice", old))
	require.True(t, r.Unregister("alice", old))
	require.NoError(t, r.Register("alice", newer))

	// A late cleanup from the first session must not evict the second.
	assert.False(t, r.Unregister("alice", old))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, newer, got)

	assert.False(t, r.Unregister("nobody", old))
}

func TestOnlineAndOthers(t *testing.T) {
	r := NewRegistry[*conn]()
	a, b, c := &conn{1}, &conn{2}, &conn{3}
	require.NoError(t, r.Register("carol", c))
	require.NoError(t, r.Register("alice", a))
	require.NoError(t, r.Register("bob", b))

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Online())
	assert.ElementsMatch(t, []*conn{b, c}, r.Others("alice"))
	assert.Equal(t, 3, r.Len())
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	r := NewRegistry[*conn]()
	const n = 64

	var wins, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Register("alice", &conn{i})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyOnline):
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), rejected.Load())
	assert.Equal(t, 1, r.Len())
}
