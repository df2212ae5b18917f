package chord

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

func mustSpace(t *testing.T, bits int) *ring.Space {
	t.Helper()
	s, err := ring.NewSpace(bits)
	require.NoError(t, err)
	return s
}

func TestNodeHandle_Equals(t *testing.T) {
	s := mustSpace(t, 8)
	a := NewNodeHandle(s.NewID(10), 0)
	sameID := NewNodeHandle(s.NewID(10), 3)
	sameID.Alive = false
	b := NewNodeHandle(s.NewID(11), 0)

	tests := []struct {
		name     string
		h, other *NodeHandle
		want     bool
	}{
		{"same pointer", a, a, true},
		{"same id", a, sameID, true},
		{"different id", a, b, false},
		{"nil and non-nil", nil, a, false},
		{"non-nil and nil", a, nil, false},
		{"both nil", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.h.Equals(tt.other))
		})
	}
}

func TestNodeHandle_IsLiveAndString(t *testing.T) {
	s := mustSpace(t, 8)
	h := NewNodeHandle(s.NewID(42), 2)

	assert.True(t, h.IsLive())
	assert.Equal(t, "NodeHandle{ID: 42, alive}", h.String())

	h.Alive = false
	assert.False(t, h.IsLive())
	assert.Equal(t, "NodeHandle{ID: 42, dead}", h.String())

	var nilHandle *NodeHandle
	assert.False(t, nilHandle.IsLive())
	assert.Equal(t, "NodeHandle{nil}", nilHandle.String())
	assert.Equal(t, "nil", idString(nil))
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "FIND_SUCC", TypeFindSucc.String())
	assert.Equal(t, "BROADCAST", TypeBroadcast.String())
	assert.Equal(t, "UNKNOWN", MessageType(99).String())
	assert.Equal(t, "ERROR", ModeError.String())
	assert.Equal(t, "UNKNOWN", Mode(-1).String())
}

func TestMessagePool(t *testing.T) {
	t.Run("recycles released messages", func(t *testing.T) {
		p := NewMessagePool(false)
		m := p.Acquire()
		m.Key = "k"
		m.Hops = 3
		p.Release(m)
		assert.True(t, m.Released())
		assert.Zero(t, p.Outstanding())

		again := p.Acquire()
		assert.Same(t, m, again)
		assert.False(t, again.Released())
		assert.Empty(t, again.Key)
		assert.Zero(t, again.Hops)
		assert.Equal(t, uint64(2), p.Acquired())
	})

	t.Run("debug mode never recycles", func(t *testing.T) {
		p := NewMessagePool(true)
		m := p.Acquire()
		p.Release(m)
		assert.NotSame(t, m, p.Acquire())
		assert.Equal(t, 1, p.Outstanding())
	})

	t.Run("double release panics", func(t *testing.T) {
		p := NewMessagePool(true)
		m := p.Acquire()
		p.Release(m)
		assert.Panics(t, func() { p.Release(m) })
	})

	t.Run("use after release panics", func(t *testing.T) {
		p := NewMessagePool(true)
		m := p.Acquire()
		assert.NotPanics(t, func() { p.MustLive(m) })
		p.Release(m)
		assert.Panics(t, func() { p.MustLive(m) })
	})

	t.Run("reset", func(t *testing.T) {
		p := NewMessagePool(false)
		p.Acquire()
		p.Reset()
		assert.Zero(t, p.Outstanding())
		assert.Zero(t, p.Acquired())
	})
}

func TestListenerRegistry(t *testing.T) {
	r := newListenerRegistry()

	require.NoError(t, r.Register("a#2", ResumeFixFinger{Index: 2}, 10))
	require.NoError(t, r.Register("a#1", ResumeJoin{}, 5))
	require.NoError(t, r.Register("a#3", ResumeStabilize{}, 20))

	err := r.Register("a#1", ResumeJoin{}, 99)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkg.ErrListenerExists))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a#1", "a#2", "a#3"}, r.Keys())
	assert.True(t, r.Has("a#2"))

	cont, ok := r.Resolve("a#2")
	require.True(t, ok)
	assert.Equal(t, ResumeFixFinger{Index: 2}, cont)
	assert.Equal(t, "fix_finger(2)", cont.String())

	_, ok = r.Resolve("a#2")
	assert.False(t, ok, "listeners are single-shot")

	expired := r.Expire(21)
	require.Len(t, expired, 2)
	assert.Equal(t, "a#1", expired[0].key)
	assert.Equal(t, "a#3", expired[1].key)
	assert.Zero(t, r.Len())

	require.NoError(t, r.Register("b#1", ResumeJoin{}, 5))
	assert.Empty(t, r.Expire(5), "deadline is inclusive")
	r.Clear()
	assert.Zero(t, r.Len())
}
