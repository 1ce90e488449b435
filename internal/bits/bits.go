// Package bits holds the bit-sequence helpers shared by the RF protocol codecs.
//
// A Bits value is an ordered sequence of 0/1 elements in transmission order.
// Two orderings are used on the air: plain MSB-first, and big-endian bytes
// with each byte sent LSB first.
package bits

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a textual bit string contains anything but
// 0 and 1, or has the wrong width.
var ErrMalformed = errors.New("malformed bit string")

// Order selects how integers and bytes map onto a bit sequence.
type Order int

const (
	// MSBFirst sends the most significant bit first.
	MSBFirst Order = iota
	// PerByteReversed keeps big-endian byte order but sends each byte LSB first.
	PerByteReversed
)

func (o Order) String() string {
	switch o {
	case MSBFirst:
		return "msb-first"
	case PerByteReversed:
		return "per-byte-reversed"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// Bits is an ordered bit sequence. Each element is 0 or 1.
type Bits []uint8

// FromInt renders the low width bits of v.
// With PerByteReversed the width is split into 8-bit chunks from the most
// significant end; a trailing partial chunk is reversed within itself.
func FromInt(v uint64, width int, order Order) Bits {
	out := make(Bits, width)
	for i := 0; i < width; i++ {
		out[i] = uint8(v>>(width-1-i)) & 1
	}
	if order == PerByteReversed {
		reverseChunks(out)
	}
	return out
}

// ToInt is the inverse of FromInt. Sequences wider than 64 bits keep only
// the low 64 bits.
func ToInt(b Bits, order Order) uint64 {
	src := b
	if order == PerByteReversed {
		src = make(Bits, len(b))
		copy(src, b)
		reverseChunks(src)
	}
	var v uint64
	for _, bit := range src {
		v = v<<1 | uint64(bit&1)
	}
	return v
}

// FromBytes renders every byte as 8 bits in the given order.
func FromBytes(bs []byte, order Order) Bits {
	out := make(Bits, 0, len(bs)*8)
	for _, c := range bs {
		out = append(out, FromInt(uint64(c), 8, order)...)
	}
	return out
}

// ToBytes packs the sequence into bytes. A trailing partial chunk becomes
// the last byte, right aligned.
func ToBytes(b Bits, order Order) []byte {
	out := make([]byte, 0, (len(b)+7)/8)
	for i := 0; i < len(b); i += 8 {
		end := i + 8
		if end > len(b) {
			end = len(b)
		}
		out = append(out, byte(ToInt(b[i:end], order)))
	}
	return out
}

// Parse reads a textual sequence such as "0101".
func Parse(s string) (Bits, error) {
	out := make(Bits, 0, len(s))
	for i, r := range s {
		switch r {
		case '0':
			out = append(out, 0)
		case '1':
			out = append(out, 1)
		default:
			return nil, fmt.Errorf("%w: %q at offset %d", ErrMalformed, r, i)
		}
	}
	return out, nil
}

// ParseWidth is Parse with an exact length requirement.
func ParseWidth(s string, width int) (Bits, error) {
	b, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if len(b) != width {
		return nil, fmt.Errorf("%w: want %d bits, got %d", ErrMalformed, width, len(b))
	}
	return b, nil
}

// Concat joins sequences in order.
func Concat(parts ...Bits) Bits {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make(Bits, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Equal reports whether both sequences hold the same bits.
func (b Bits) Equal(o Bits) bool {
	if len(b) != len(o) {
		return false
	}
	for i := range b {
		if b[i]&1 != o[i]&1 {
			return false
		}
	}
	return true
}

func (b Bits) String() string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, bit := range b {
		if bit&1 == 1 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func reverseChunks(b Bits) {
	for i := 0; i < len(b); i += 8 {
		end := i + 8
		if end > len(b) {
			end = len(b)
		}
		for l, r := i, end-1; l < r; l, r = l+1, r-1 {
			b[l], b[r] = b[r], b[l]
		}
	}
}
