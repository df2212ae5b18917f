package ring

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"math/rand"
	"strings"

	"github.com/holiman/uint256"
)

// Space is an identifier ring of size 2^bits.
type Space struct {
	bits int
}

// NewSpace creates a ring of size 2^bits. bits must be in [1, 256].
func NewSpace(bits int) (*Space, error) {
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("ring bits must be between 1 and %d, got %d", MaxBits, bits)
	}
	return &Space{bits: bits}, nil
}

// Bits returns the ring width.
func (s *Space) Bits() int {
	return s.bits
}

// NewID returns v reduced onto the ring.
func (s *Space) NewID(v uint64) ID {
	id := ID{bits: uint16(s.bits)}
	id.v.SetUint64(v)
	id.v.And(&id.v, &masks[s.bits])
	return id
}

// Zero returns the ring origin.
func (s *Space) Zero() ID {
	return ID{bits: uint16(s.bits)}
}

// Max returns 2^bits - 1.
func (s *Space) Max() ID {
	id := ID{bits: uint16(s.bits)}
	id.v.Set(&masks[s.bits])
	return id
}

// FromBig reduces b modulo the ring size.
func (s *Space) FromBig(b *big.Int) ID {
	m := new(big.Int).Lsh(big.NewInt(1), uint(s.bits))
	r := new(big.Int).Mod(b, m)
	id := ID{bits: uint16(s.bits)}
	v, _ := uint256.FromBig(r)
	id.v.Set(v)
	return id
}

// ParseID parses a decimal or 0x-prefixed hex string.
func (s *Space) ParseID(str string) (ID, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return ID{}, fmt.Errorf("empty id")
	}
	b, ok := new(big.Int).SetString(str, 0)
	if !ok {
		return ID{}, fmt.Errorf("invalid id %q", str)
	}
	if b.Sign() < 0 || b.BitLen() > s.bits {
		return ID{}, fmt.Errorf("id %s outside a %d-bit ring", str, s.bits)
	}
	return s.FromBig(b), nil
}

// HashKey hashes data onto the ring with SHA-256, keeping the low bits.
func (s *Space) HashKey(data []byte) ID {
	sum := sha256.Sum256(data)
	id := ID{bits: uint16(s.bits)}
	id.v.SetBytes(sum[:])
	id.v.And(&id.v, &masks[s.bits])
	return id
}

// HashString hashes a string onto the ring.
func (s *Space) HashString(str string) ID {
	return s.HashKey([]byte(str))
}

// Random draws a uniformly distributed ID from rng.
func (s *Space) Random(rng *rand.Rand) ID {
	id := ID{bits: uint16(s.bits)}
	id.v = uint256.Int{rng.Uint64(), rng.Uint64(), rng.Uint64(), rng.Uint64()}
	id.v.And(&id.v, &masks[s.bits])
	return id
}

// Contains reports whether id was built for this ring.
func (s *Space) Contains(id ID) bool {
	return int(id.bits) == s.bits
}
