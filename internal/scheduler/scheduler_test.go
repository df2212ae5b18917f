package scheduler

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

func testSpace(t *testing.T, bits int) *ring.Space {
	t.Helper()
	s, err := ring.NewSpace(bits)
	require.NoError(t, err)
	return s
}

func join(s *ring.Space, id uint64, at int64) Event {
	return Event{From: s.NewID(id), Type: EventJoin, Time: at}
}

func TestScheduler_Ordering(t *testing.T) {
	s := testSpace(t, 8)
	sch := New(nil)
	assert.False(t, sch.HasNext())

	require.NoError(t, sch.AddEvents(join(s, 1, 5), join(s, 2, 0), join(s, 3, 5)))
	require.NoError(t, sch.AddEvents(join(s, 4, 9), join(s, 5, 5)))
	assert.Equal(t, 5, sch.Len())

	next, ok := sch.NextAlarm()
	require.True(t, ok)
	assert.Equal(t, int64(0), next)

	var got []uint64
	for step := int64(0); sch.HasNext(); step++ {
		for _, ev := range sch.GetEvents(step) {
			assert.Equal(t, step, ev.Time)
			got = append(got, ev.From.Uint64())
		}
		require.Less(t, step, int64(20))
	}

	// Buckets merge and keep insertion order.
	assert.Equal(t, []uint64{2, 1, 3, 5, 4}, got)
	assert.Zero(t, sch.Len())
	assert.Equal(t, int64(10), sch.Cursor())
}

func TestScheduler_GetEvents(t *testing.T) {
	s := testSpace(t, 8)

	t.Run("empty step", func(t *testing.T) {
		sch := New(nil)
		require.NoError(t, sch.AddEvents(join(s, 1, 3)))
		assert.Empty(t, sch.GetEvents(1))
		assert.True(t, sch.HasNext())
		next, _ := sch.NextAlarm()
		assert.Equal(t, int64(3), next)
	})

	t.Run("one shot", func(t *testing.T) {
		sch := New(nil)
		require.NoError(t, sch.AddEvents(join(s, 1, 2)))
		assert.Len(t, sch.GetEvents(2), 1)
		assert.Empty(t, sch.GetEvents(2))
		assert.False(t, sch.HasNext())
	})

	t.Run("skipped buckets are discarded", func(t *testing.T) {
		hook := &warnHook{}
		sch := New(quietLogger(t).WithHook(hook))
		require.NoError(t, sch.AddEvents(join(s, 1, 2), join(s, 2, 4), join(s, 3, 8), join(s, 4, 1)))
		assert.Len(t, sch.GetEvents(4), 1)
		assert.Equal(t, 1, sch.Len())
		assert.Equal(t, 2, sch.Discarded())
		next, ok := sch.NextAlarm()
		assert.True(t, ok)
		assert.Equal(t, int64(8), next)
		assert.Equal(t, []string{"Discarded events scheduled before the requested step"}, hook.msgs)

		assert.Len(t, sch.GetEvents(8), 1)
		assert.Equal(t, 2, sch.Discarded(), "nothing skipped the second time")
		assert.Len(t, hook.msgs, 1)
	})
}

// warnHook records the messages of warnings and worse.
type warnHook struct {
	msgs []string
}

func (h *warnHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level >= zerolog.WarnLevel {
		h.msgs = append(h.msgs, msg)
	}
}

func quietLogger(t *testing.T) *pkg.Logger {
	t.Helper()
	cfg := pkg.DefaultConfig()
	cfg.Console.Enable = false
	logger, err := pkg.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestScheduler_RejectsPastEvents(t *testing.T) {
	s := testSpace(t, 8)
	sch := New(nil)
	require.NoError(t, sch.AddEvents(join(s, 1, 3)))
	sch.GetEvents(3)

	err := sch.AddEvents(join(s, 2, 7), join(s, 3, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkg.ErrEventInPast))
	assert.Zero(t, sch.Len(), "a rejected batch adds nothing")

	require.NoError(t, sch.AddEvents(join(s, 2, 4)))
	assert.True(t, sch.HasNext())
}

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in      string
		want    EventType
		wantErr bool
	}{
		{"join", EventJoin, false},
		{" LEAVE ", EventLeave, false},
		{"Fail", EventFail, false},
		{"crash", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEventType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEvents(t *testing.T) {
	s := testSpace(t, 8)

	t.Run("valid file", func(t *testing.T) {
		in := `
events:
  - time: 10
    type: fail
    from: "3"
  - time: 0
    type: join
    from: "0"
  - time: 2
    type: join
    from: "0x06"
    to: "0"
    faulty: true
`
		events, err := ParseEvents(strings.NewReader(in), s)
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, EventJoin, events[0].Type)
		assert.Nil(t, events[0].To)
		assert.Equal(t, uint64(6), events[1].From.Uint64())
		require.NotNil(t, events[1].To)
		assert.Equal(t, uint64(0), events[1].To.Uint64())
		assert.True(t, events[1].Faulty)
		assert.Equal(t, EventFail, events[2].Type)
		assert.Equal(t, int64(10), events[2].Time)
	})

	t.Run("empty input", func(t *testing.T) {
		events, err := ParseEvents(strings.NewReader(""), s)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	errCases := []struct {
		name string
		in   string
	}{
		{"unknown field", "events:\n  - time: 1\n    type: join\n    from: \"1\"\n    port: 80\n"},
		{"bad type", "events:\n  - time: 1\n    type: crash\n    from: \"1\"\n"},
		{"bad id", "events:\n  - time: 1\n    type: join\n    from: \"999\"\n"},
		{"negative time", "events:\n  - time: -1\n    type: join\n    from: \"1\"\n"},
		{"self bootstrap", "events:\n  - time: 1\n    type: join\n    from: \"1\"\n    to: \"1\"\n"},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvents(strings.NewReader(tt.in), s)
			assert.Error(t, err)
		})
	}
}

func TestWriteEventsRoundTrip(t *testing.T) {
	s := testSpace(t, 16)
	events, err := GenerateChurn(s, rand.New(rand.NewSource(3)), ChurnOptions{
		Nodes: 6, Faulty: 1, Failures: 1, Leaves: 1, JoinSpacing: 3, Settle: 10,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEvents(&buf, events))

	parsed, err := ParseEvents(&buf, s)
	require.NoError(t, err)
	assert.Equal(t, events, parsed)
}

func TestGenerateChurn(t *testing.T) {
	s := testSpace(t, 12)

	t.Run("shape", func(t *testing.T) {
		opts := ChurnOptions{Nodes: 20, Faulty: 3, Failures: 4, Leaves: 2, Start: 1, JoinSpacing: 2, Settle: 50}
		events, err := GenerateChurn(s, rand.New(rand.NewSource(1)), opts)
		require.NoError(t, err)
		require.Len(t, events, 26)

		joined := map[ring.ID]bool{}
		faulty, fails, leaves := 0, 0, 0
		lastJoin := int64(0)
		for i, ev := range events {
			switch ev.Type {
			case EventJoin:
				assert.False(t, joined[ev.From], "duplicate id %s", ev.From)
				joined[ev.From] = true
				lastJoin = ev.Time
				if i == 0 {
					assert.Nil(t, ev.To)
					assert.False(t, ev.Faulty)
				} else {
					require.NotNil(t, ev.To)
					assert.Equal(t, events[0].From, *ev.To)
				}
				if ev.Faulty {
					faulty++
				}
			case EventFail:
				fails++
			case EventLeave:
				leaves++
			}
			if ev.Type != EventJoin {
				assert.True(t, joined[ev.From])
				assert.NotEqual(t, events[0].From, ev.From)
				assert.GreaterOrEqual(t, ev.Time, lastJoin+opts.Settle)
			}
		}
		assert.Equal(t, 3, faulty)
		assert.Equal(t, 4, fails)
		assert.Equal(t, 2, leaves)
		assert.Equal(t, int64(1), events[0].Time)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := GenerateChurn(s, rand.New(rand.NewSource(9)), DefaultChurnOptions(10))
		require.NoError(t, err)
		b, err := GenerateChurn(s, rand.New(rand.NewSource(9)), DefaultChurnOptions(10))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	errCases := []struct {
		name string
		opts ChurnOptions
	}{
		{"no nodes", ChurnOptions{}},
		{"too many removals", ChurnOptions{Nodes: 3, Failures: 2, Leaves: 1}},
		{"too many faulty", ChurnOptions{Nodes: 3, Faulty: 3}},
		{"ring too small", ChurnOptions{Nodes: 5000}},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GenerateChurn(s, rand.New(rand.NewSource(1)), tt.opts)
			assert.Error(t, err)
		})
	}
}
