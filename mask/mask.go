// Package mask implements the k-mer mask algebra described in spec §4.A:
// parsing and validating a mask string of USE/SKIP/CUT-SITE codes, and
// deriving the k-mer's informative width and strand-specific cut-site
// offsets from it.
package mask

import (
	"strings"

	"github.com/guertinlab/seqoutbias/kerr"
)

// Code is one position's role in the mask.
type Code byte

const (
	// Use marks a position that contributes a base to the k-mer id ('N').
	Use Code = iota
	// Skip marks a position that is part of the physical window but does
	// not contribute to the k-mer id ('X').
	Skip
	// CutSite marks the position of (one side of) the cut site ('C').
	CutSite
)

// Form records whether the mask carried one CUT-SITE marker or two, since
// that changes how the minus-strand offset is derived (spec §9 Open
// Question).
type Form int

const (
	// DualCut masks name both strands' cut sites explicitly.
	DualCut Form = iota
	// SingleCut masks name only the plus-strand cut site; the minus-strand
	// offset is derived from it according to ParseOpts.SingleCutSymmetric
	// (see ParseWithOpts).
	SingleCut
)

// Mask is the parsed, validated representation of a mask string.
type Mask struct {
	// Codes is the mask, one Code per physical position, left to right on
	// the plus strand.
	Codes []Code
	// Width is the physical span M of the mask.
	Width int
	// InformativeWidth is the number of Use positions, w. The k-mer
	// alphabet has 4^w ids.
	InformativeWidth int
	// UsePositions lists, in left-to-right order, the indices of Use
	// positions. len(UsePositions) == InformativeWidth.
	UsePositions []int
	// PlusOffset is the 0-based distance of the plus-strand cut site from
	// the window's left edge, and from a plus-strand read's aligned start.
	PlusOffset int
	// MinusOffset is the 0-based distance of the minus-strand cut site from
	// the window's rightmost base, and from a minus-strand read's last
	// aligned base.
	MinusOffset int
	// Form records whether one or two CUT-SITE markers were present.
	Form Form
}

// NumKmers returns 4^w, the size of the k-mer alphabet.
func (m *Mask) NumKmers() uint64 {
	return uint64(1) << uint(2*m.InformativeWidth)
}

// ParseOpts controls how an ambiguous single-C mask is resolved (spec §9).
type ParseOpts struct {
	// SingleCutSymmetric, when true (the default), derives the minus-strand
	// offset for a single-C mask by mirroring the plus-strand offset around
	// the window's center, i.e. treating the single C as both the leftmost
	// and rightmost C of the dual-C formula (M-1-index). When false, the
	// plus-strand offset (the C's index) is reused unmirrored as the
	// minus-strand offset.
	SingleCutSymmetric bool
}

// DefaultParseOpts matches seqOutBias's historical single-C default.
var DefaultParseOpts = ParseOpts{SingleCutSymmetric: true}

// Parse parses a mask string of N/X/C codes (case-insensitive) into a
// validated Mask, per spec §4.A's invariants: mask length >= 1, at least
// one Use position, and exactly one or two CutSite markers.
func Parse(s string) (*Mask, error) {
	return ParseWithOpts(s, DefaultParseOpts)
}

// ParseWithOpts is Parse with explicit Open-Question handling.
func ParseWithOpts(s string, opts ParseOpts) (*Mask, error) {
	if len(s) == 0 {
		return nil, kerr.New(kerr.InvalidMask, "mask string must not be empty")
	}
	codes := make([]Code, len(s))
	var cutIdx []int
	var useIdx []int
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 'N', 'n':
			codes[i] = Use
			useIdx = append(useIdx, i)
		case 'X', 'x':
			codes[i] = Skip
		case 'C', 'c':
			codes[i] = CutSite
			cutIdx = append(cutIdx, i)
		default:
			return nil, kerr.Newf(kerr.InvalidMask, "mask %q: unrecognized code %q at position %d (expected N, X, or C)", s, s[i:i+1], i)
		}
	}
	if len(useIdx) == 0 {
		return nil, kerr.Newf(kerr.InvalidMask, "mask %q: at least one USE (N) position is required", s)
	}
	if len(cutIdx) != 1 && len(cutIdx) != 2 {
		return nil, kerr.Newf(kerr.InvalidMask, "mask %q: expected 1 or 2 CUT-SITE (C) markers, found %d", s, len(cutIdx))
	}

	m := &Mask{
		Codes:            codes,
		Width:            len(codes),
		InformativeWidth: len(useIdx),
		UsePositions:     useIdx,
	}

	if len(cutIdx) == 2 {
		m.Form = DualCut
		leftC := cutIdx[0]
		rightC := cutIdx[1]
		m.PlusOffset = leftC
		m.MinusOffset = m.Width - 1 - rightC
	} else {
		m.Form = SingleCut
		c := cutIdx[0]
		m.PlusOffset = c
		if opts.SingleCutSymmetric {
			// Mirror the plus-strand offset around the window's center, as
			// if the single C also marked the minus-strand cut site at the
			// symmetric position (the dual-C formula with leftC == rightC == c).
			m.MinusOffset = m.Width - 1 - c
		} else {
			// Alternate reading named in spec §9: apply the same offset
			// value to both strands without mirroring.
			m.MinusOffset = c
		}
	}
	return m, nil
}

// WithOffsetOverride returns a copy of m with the plus/minus cut-site
// offsets replaced, for the CLI's custom-offset override flag (spec §6).
func (m *Mask) WithOffsetOverride(plus, minus int) *Mask {
	cp := *m
	cp.PlusOffset = plus
	cp.MinusOffset = minus
	return &cp
}

// String renders the mask back to its N/X/C form.
func (m *Mask) String() string {
	var b strings.Builder
	b.Grow(len(m.Codes))
	for _, c := range m.Codes {
		switch c {
		case Use:
			b.WriteByte('N')
		case Skip:
			b.WriteByte('X')
		default:
			b.WriteByte('C')
		}
	}
	return b.String()
}
