// Package ring implements the modular identifier space of a Chord ring and
// the interval predicates routing is built on.
package ring

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/zde37/chordkv/pkg"
)

const (
	// MinBits is the smallest supported identifier width.
	MinBits = 1

	// MaxBits is the largest supported identifier width. Identifiers travel
	// as JSON numbers, which stay exact below 2^53.
	MaxBits = 48
)

// ID is a position on the ring, in [0, 2^M).
type ID uint64

// Space is the identifier space of size 2^M.
type Space struct {
	m    int
	size uint64
}

// NewSpace creates an identifier space of 2^m identifiers.
func NewSpace(m int) (Space, error) {
	if m < MinBits || m > MaxBits {
		return Space{}, fmt.Errorf("%w: M must be between %d and %d, got %d",
			pkg.ErrInvalidArgument, MinBits, MaxBits, m)
	}
	return Space{m: m, size: uint64(1) << uint(m)}, nil
}

// MustSpace is NewSpace for constants known to be valid.
func MustSpace(m int) Space {
	s, err := NewSpace(m)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns M.
func (s Space) Bits() int {
	return s.m
}

// Size returns 2^M.
func (s Space) Size() uint64 {
	return s.size
}

// Valid reports whether id lies in [0, 2^M).
func (s Space) Valid(id uint64) bool {
	return id < s.size
}

// Mod reduces any signed value onto the ring.
func (s Space) Mod(x int64) ID {
	r := x % int64(s.size)
	if r < 0 {
		r += int64(s.size)
	}
	return ID(r)
}

// Add computes (id + 2^k) mod 2^M.
func (s Space) Add(id ID, k int) ID {
	return ID((uint64(id) + s.pow(k)) & (s.size - 1))
}

// Sub computes (id - 2^k) mod 2^M.
func (s Space) Sub(id ID, k int) ID {
	return ID((uint64(id) + s.size - s.pow(k)) & (s.size - 1))
}

// Next returns the identifier immediately clockwise of id.
func (s Space) Next(id ID) ID {
	return ID((uint64(id) + 1) & (s.size - 1))
}

// pow returns 2^k reduced into the ring, so 2^M itself is 0.
func (s Space) pow(k int) uint64 {
	if k < 0 || k >= s.m {
		return 0
	}
	return uint64(1) << uint(k)
}

// Distance is the clockwise distance from a to b.
func (s Space) Distance(a, b ID) uint64 {
	return (uint64(b) - uint64(a)) & (s.size - 1)
}

// span is the clockwise length from a to b where a == b covers the whole ring.
func (s Space) span(a, b ID) uint64 {
	if d := s.Distance(a, b); d != 0 {
		return d
	}
	return s.size
}

// InRange reports whether id is in (a, b]. When a == b the range is the whole
// ring.
func (s Space) InRange(id, a, b ID) bool {
	d := s.Distance(a, id)
	if d == 0 {
		d = s.size
	}
	return d <= s.span(a, b)
}

// Between reports whether id is in the open range (a, b). When a == b the
// range is the whole ring except a.
func (s Space) Between(id, a, b ID) bool {
	d := s.Distance(a, id)
	return d != 0 && d < s.span(a, b)
}

// Hash maps a key onto the ring: the SHA-1 digest read as a big-endian
// integer, reduced mod 2^M. The reduction keeps the low M bits.
func (s Space) Hash(key string) ID {
	sum := sha1.Sum([]byte(key))
	low := binary.BigEndian.Uint64(sum[len(sum)-8:])
	return ID(low & (s.size - 1))
}

// Interval returns the half-open interval [start, stop).
func (s Space) Interval(start, stop ID) Interval {
	return Interval{
		Start: ID(uint64(start) & (s.size - 1)),
		Stop:  ID(uint64(stop) & (s.size - 1)),
		space: s,
	}
}

// Interval is a half-open range [Start, Stop) modulo 2^M. Start == Stop
// denotes the full ring.
type Interval struct {
	Start ID
	Stop  ID
	space Space
}

// Contains reports whether id falls inside the interval.
func (iv Interval) Contains(id ID) bool {
	return iv.space.Distance(iv.Start, id) < iv.Len()
}

// Len returns the number of identifiers in the interval.
func (iv Interval) Len() uint64 {
	return iv.space.span(iv.Start, iv.Stop)
}

// String renders the interval the way the finger-table charts do.
func (iv Interval) String() string {
	return fmt.Sprintf("[%d,%d)", iv.Start, iv.Stop)
}
