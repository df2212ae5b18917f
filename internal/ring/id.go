package ring

import (
	"strconv"

	"github.com/holiman/uint256"
)

// MaxBits is the widest identifier space supported.
const MaxBits = 256

// masks[b] is 2^b - 1, the reduction mask for a b-bit ring.
var masks [MaxBits + 1]uint256.Int

func init() {
	one := uint256.NewInt(1)
	for b := 1; b < MaxBits; b++ {
		masks[b].Lsh(one, uint(b))
		masks[b].Sub(&masks[b], one)
	}
	masks[MaxBits].SetAllOne()
}

// ID is a coordinate on a ring of size 2^bits. IDs are comparable values and
// can be used as map keys. All arithmetic wraps modulo the ring size.
type ID struct {
	v    uint256.Int
	bits uint16
}

// Bits returns the width of the ring this ID lives on.
func (x ID) Bits() int {
	return int(x.bits)
}

// Equal reports whether x and o name the same ring position.
func (x ID) Equal(o ID) bool {
	return x.v.Eq(&o.v)
}

// Cmp compares the raw positions of x and o: -1, 0 or +1.
func (x ID) Cmp(o ID) int {
	return x.v.Cmp(&o.v)
}

// Between reports whether x lies strictly inside the clockwise arc (ccw, cw).
// The degenerate arc (a, a) is empty.
func (x ID) Between(ccw, cw ID) bool {
	switch ccw.v.Cmp(&cw.v) {
	case -1:
		return ccw.v.Lt(&x.v) && x.v.Lt(&cw.v)
	case 1:
		// Wraparound: (ccw, 2^bits) or [0, cw)
		return ccw.v.Lt(&x.v) || x.v.Lt(&cw.v)
	default:
		return false
	}
}

// BetweenE reports whether x lies in (init, end].
func (x ID) BetweenE(init, end ID) bool {
	return x.Equal(end) || x.Between(init, end)
}

// EBetween reports whether x lies in [init, end).
func (x ID) EBetween(init, end ID) bool {
	return x.Equal(init) || x.Between(init, end)
}

// Add returns (x + o) mod 2^bits.
func (x ID) Add(o ID) ID {
	r := ID{bits: x.bits}
	r.v.Add(&x.v, &o.v)
	r.v.And(&r.v, &masks[x.bits])
	return r
}

// Sub returns (x - o) mod 2^bits.
func (x ID) Sub(o ID) ID {
	r := ID{bits: x.bits}
	r.v.Sub(&x.v, &o.v)
	r.v.And(&r.v, &masks[x.bits])
	return r
}

// Shift returns (x + 2^i) mod 2^bits. This is the start of finger i.
func (x ID) Shift(i int) ID {
	if i < 0 || i >= int(x.bits) {
		return x
	}
	var p uint256.Int
	p.Lsh(uint256.NewInt(1), uint(i))
	r := ID{bits: x.bits}
	r.v.Add(&x.v, &p)
	r.v.And(&r.v, &masks[x.bits])
	return r
}

// DivideOn returns x / d using integer division. Division by zero yields x.
func (x ID) DivideOn(d uint64) ID {
	if d == 0 {
		return x
	}
	r := ID{bits: x.bits}
	r.v.Div(&x.v, uint256.NewInt(d))
	return r
}

// Distance returns the clockwise distance from x to o.
func (x ID) Distance(o ID) ID {
	return o.Sub(x)
}

// Uint64 returns the low 64 bits of x.
func (x ID) Uint64() uint64 {
	return x.v.Uint64()
}

// Bytes32 returns the big-endian 32-byte encoding of x.
func (x ID) Bytes32() [32]byte {
	return x.v.Bytes32()
}

// String renders small IDs in decimal and wide ones in hex.
func (x ID) String() string {
	if x.v.IsUint64() {
		return strconv.FormatUint(x.v.Uint64(), 10)
	}
	return x.v.Hex()
}

// Short returns a log-friendly prefix of String.
func (x ID) Short() string {
	s := x.String()
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
