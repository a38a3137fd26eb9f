// Package lfsr generates the pseudo-random pattern the fixture expects
// in flash. The generator is a 32-bit Fibonacci LFSR with taps at bits
// 31, 21, 1 and 0, which describes a whole flash image by its seed.
package lfsr

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Next advances the 32-bit register by one step. Next(0) == 0: zero is
// the degenerate fixed point and never part of the maximal sequence.
func Next(x uint32) uint32 {
	fb := (x>>31 ^ x>>21 ^ x>>1 ^ x) & 1
	return x<<1 | fb
}

// Register is a generic shift-left Fibonacci LFSR of Width bits whose
// feedback is the XOR of the tap bits shifted into bit 0. It models
// reduced-width variants of Next.
type Register struct {
	Width uint
	Taps  []uint
}

// Register32 is the register Next implements.
var Register32 = Register{Width: 32, Taps: []uint{31, 21, 1, 0}}

func (r Register) Next(x uint64) uint64 {
	var fb uint64
	for _, t := range r.Taps {
		fb ^= x >> t
	}
	mask := uint64(1)<<r.Width - 1
	return (x<<1 | fb&1) & mask
}

// Stream yields the expected word sequence for a seed: the ith call to
// Next returns Next applied i+1 times to the seed.
type Stream struct {
	state uint32
}

// NewStream starts a stream at seed.
func NewStream(seed uint32) *Stream {
	return &Stream{state: seed}
}

func (s *Stream) Next() uint32 {
	s.state = Next(s.state)
	return s.state
}

func (s *Stream) State() uint32 {
	return s.state
}

// Image returns size bytes of expected flash content for seed, as
// consecutive 32-bit words in the given byte order. size is rounded
// down to whole words.
func Image(seed uint32, size int, order binary.ByteOrder) []byte {
	buf := make([]byte, size&^3)
	s := NewStream(seed)
	for off := 0; off < len(buf); off += 4 {
		order.PutUint32(buf[off:], s.Next())
	}
	return buf
}

// WriteImage streams the expected image to w without holding it in
// memory.
func WriteImage(w io.Writer, seed uint32, size int, order binary.ByteOrder) error {
	bw := bufio.NewWriter(w)
	s := NewStream(seed)
	var word [4]byte
	for n := 0; n+4 <= size; n += 4 {
		order.PutUint32(word[:], s.Next())
		if _, err := bw.Write(word[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
