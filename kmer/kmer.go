// Package kmer implements the k-mer encoder described in spec §4.D: given a
// base window and a mask, produce a canonical k-mer id or the Invalid
// sentinel.
package kmer

import (
	"github.com/guertinlab/seqoutbias/bioenc"
	"github.com/guertinlab/seqoutbias/mask"
)

// ID is a k-mer identifier in [0, 4^w), or Invalid.
type ID uint64

// Invalid is the sentinel returned whenever a window cannot be encoded
// (an N under a Use position, or the caller's own mappability check).
const Invalid ID = ^ID(0)

// Window is a run of bases aligned one-to-one with a Mask's Codes, ASCII
// encoded. Only the bytes at Use positions are consulted.
type Window []byte

// Encode derives the plus-strand k-mer id from window under m. window must
// have length m.Width. Returns (Invalid, false) if any Use position holds
// an N (or other non-ACGT ambiguity code).
func Encode(window Window, m *mask.Mask) (ID, bool) {
	if len(window) != m.Width {
		return Invalid, false
	}
	var id uint64
	for _, pos := range m.UsePositions {
		code, ok := bioenc.Encode(window[pos])
		if !ok {
			return Invalid, false
		}
		id = (id << 2) | uint64(code)
	}
	return ID(id), true
}

// EncodeMinus derives the minus-strand k-mer id at the same physical
// position as window: the reverse complement of window, read under the
// same mask shape (spec: "the minus-strand id at the same physical
// position is derived from the reverse-complemented window").
func EncodeMinus(window Window, m *mask.Mask) (ID, bool) {
	if len(window) != m.Width {
		return Invalid, false
	}
	var id uint64
	width := m.Width
	// Walk Use positions left-to-right, each time fetching the mirrored
	// physical base (width-1-pos) and complementing it. This is equivalent
	// to reverse-complementing the whole window first and then reading it
	// under the mask in its normal left-to-right order; reversing the loop
	// order on top of the mirrored fetch would double-reverse the digits.
	for _, pos := range m.UsePositions {
		mirrored := width - 1 - pos
		code, ok := bioenc.Encode(window[mirrored])
		if !ok {
			return Invalid, false
		}
		id = (id << 2) | uint64(bioenc.Complement(code))
	}
	return ID(id), true
}

// Sequence renders the Use-position bases of id (width w implied by m)
// back to an ASCII k-mer string, for the counts-table report (spec §6).
func Sequence(id ID, m *mask.Mask) string {
	if id == Invalid {
		return ""
	}
	w := m.InformativeWidth
	buf := make([]byte, w)
	v := uint64(id)
	for i := w - 1; i >= 0; i-- {
		buf[i] = bioenc.ASCII(bioenc.Base(v & 3))
		v >>= 2
	}
	return string(buf)
}
