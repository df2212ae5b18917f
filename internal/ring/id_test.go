package ring

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSpace(t *testing.T, bits int) *Space {
	t.Helper()
	s, err := NewSpace(bits)
	require.NoError(t, err)
	return s
}

func TestNewSpace(t *testing.T) {
	tests := []struct {
		name    string
		bits    int
		wantErr bool
	}{
		{name: "one bit", bits: 1},
		{name: "small ring", bits: 3},
		{name: "sha1 width", bits: 160},
		{name: "full width", bits: 256},
		{name: "zero bits", bits: 0, wantErr: true},
		{name: "too wide", bits: 257, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSpace(tt.bits)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, s)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bits, s.Bits())
		})
	}
}

func TestBetween(t *testing.T) {
	s := mustSpace(t, 4)
	id := s.NewID

	tests := []struct {
		name     string
		x, a, b  uint64
		expected bool
	}{
		{name: "inside normal arc", x: 5, a: 3, b: 7, expected: true},
		{name: "start excluded", x: 3, a: 3, b: 7, expected: false},
		{name: "end excluded", x: 7, a: 3, b: 7, expected: false},
		{name: "outside normal arc", x: 9, a: 3, b: 7, expected: false},
		{name: "wrap high side", x: 14, a: 12, b: 2, expected: true},
		{name: "wrap low side", x: 1, a: 12, b: 2, expected: true},
		{name: "wrap zero", x: 0, a: 12, b: 2, expected: true},
		{name: "outside wrapped arc", x: 5, a: 12, b: 2, expected: false},
		{name: "degenerate arc is empty", x: 5, a: 3, b: 3, expected: false},
		{name: "degenerate arc excludes endpoint", x: 3, a: 3, b: 3, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, id(tt.x).Between(id(tt.a), id(tt.b)))
		})
	}
}

func TestClosedEndpoints(t *testing.T) {
	s := mustSpace(t, 3)
	size := uint64(8)

	// Exhaustive over the 8-slot ring.
	for x := uint64(0); x < size; x++ {
		for a := uint64(0); a < size; a++ {
			for b := uint64(0); b < size; b++ {
				X, A, B := s.NewID(x), s.NewID(a), s.NewID(b)
				assert.Equal(t, X.Equal(B) || X.Between(A, B), X.BetweenE(A, B), "betweenE x=%d a=%d b=%d", x, a, b)
				assert.Equal(t, X.Equal(A) || X.Between(A, B), X.EBetween(A, B), "ebetween x=%d a=%d b=%d", x, a, b)
			}
		}
	}
}

func TestRingMembershipPartition(t *testing.T) {
	s := mustSpace(t, 3)

	for x := uint64(0); x < 8; x++ {
		for a := uint64(0); a < 8; a++ {
			for b := uint64(0); b < 8; b++ {
				if a == b {
					continue
				}
				X, A, B := s.NewID(x), s.NewID(a), s.NewID(b)
				inside := X.Between(A, B)
				outside := X.Between(B, A)
				count := 0
				for _, c := range []bool{inside, X.Equal(A), X.Equal(B), outside} {
					if c {
						count++
					}
				}
				assert.Equal(t, 1, count, "x=%d a=%d b=%d", x, a, b)
			}
		}
	}
}

func TestRotationConsistency(t *testing.T) {
	s := mustSpace(t, 3)

	// For three distinct points, exactly one of the three clockwise orderings holds.
	for a := uint64(0); a < 8; a++ {
		for b := uint64(0); b < 8; b++ {
			for c := uint64(0); c < 8; c++ {
				if a == b || b == c || a == c {
					continue
				}
				A, B, C := s.NewID(a), s.NewID(b), s.NewID(c)
				abc := B.Between(A, C)
				bca := C.Between(B, A)
				cab := A.Between(C, B)
				assert.Equal(t, abc, bca, "a=%d b=%d c=%d", a, b, c)
				assert.Equal(t, bca, cab, "a=%d b=%d c=%d", a, b, c)
			}
		}
	}
}

func TestArithmetic(t *testing.T) {
	s := mustSpace(t, 3)

	t.Run("add wraps", func(t *testing.T) {
		assert.True(t, s.NewID(6).Add(s.NewID(3)).Equal(s.NewID(1)))
	})

	t.Run("sub wraps", func(t *testing.T) {
		assert.True(t, s.NewID(1).Sub(s.NewID(3)).Equal(s.NewID(6)))
	})

	t.Run("shift computes finger starts", func(t *testing.T) {
		x := s.NewID(6)
		assert.Equal(t, uint64(7), x.Shift(0).Uint64())
		assert.Equal(t, uint64(0), x.Shift(1).Uint64())
		assert.Equal(t, uint64(2), x.Shift(2).Uint64())
		assert.True(t, x.Shift(3).Equal(x), "shift beyond ring width is identity")
	})

	t.Run("distance is clockwise", func(t *testing.T) {
		assert.Equal(t, uint64(3), s.NewID(6).Distance(s.NewID(1)).Uint64())
		assert.Equal(t, uint64(5), s.NewID(1).Distance(s.NewID(6)).Uint64())
	})

	t.Run("divide", func(t *testing.T) {
		assert.Equal(t, uint64(3), s.NewID(7).DivideOn(2).Uint64())
		assert.Equal(t, uint64(7), s.NewID(7).DivideOn(0).Uint64())
	})

	t.Run("new id reduces", func(t *testing.T) {
		assert.Equal(t, uint64(1), s.NewID(9).Uint64())
	})
}

func TestFullWidthArithmetic(t *testing.T) {
	s := mustSpace(t, 256)

	max := s.Max()
	one := s.NewID(1)
	assert.True(t, max.Add(one).Equal(s.Zero()), "2^256-1 + 1 wraps to 0")
	assert.True(t, s.Zero().Sub(one).Equal(max))
	assert.True(t, one.Between(s.Zero(), max.Shift(0).Add(s.NewID(2))))
}

func TestParseID(t *testing.T) {
	s := mustSpace(t, 8)

	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{name: "decimal", in: "42", want: 42},
		{name: "hex", in: "0xff", want: 255},
		{name: "padded", in: " 7 ", want: 7},
		{name: "too large", in: "256", wantErr: true},
		{name: "negative", in: "-1", wantErr: true},
		{name: "garbage", in: "node-a", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.ParseID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.Uint64())
		})
	}
}

func TestHashing(t *testing.T) {
	s := mustSpace(t, 160)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, s.HashString("node-1"), s.HashString("node-1"))
	})

	t.Run("different inputs", func(t *testing.T) {
		assert.NotEqual(t, s.HashString("node-1"), s.HashString("node-2"))
	})

	t.Run("within ring", func(t *testing.T) {
		b := new(big.Int).SetBytes(func() []byte { x := s.HashString("x").Bytes32(); return x[:] }())
		assert.LessOrEqual(t, b.BitLen(), 160)
	})
}

func TestRandomIsSeeded(t *testing.T) {
	s := mustSpace(t, 32)
	a := s.Random(rand.New(rand.NewSource(7)))
	b := s.Random(rand.New(rand.NewSource(7)))
	assert.Equal(t, a, b)
	assert.True(t, s.Contains(a))
}
