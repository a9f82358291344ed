// Package signal is the Signal Emitter (spec §4.H): it walks the Pile-up
// in chromosome/position order and writes signal tracks, scaled or raw,
// stranded or unstranded. Each track is plain text with one
// "<chrom>\t<1-based pos>\t<value>" line per position whose value is
// nonzero; no wiggle track or fixedStep declaration lines are written, and
// zero-valued positions are omitted. The writer's sequential,
// bufio.Writer-driven style is grounded on pileup/snp/output.go's TSV
// writer idiom (see DESIGN.md for the stdlib-only justification).
package signal

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/guertinlab/seqoutbias/binder"
	"github.com/guertinlab/seqoutbias/kmer"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/postable"
	"github.com/guertinlab/seqoutbias/scale"
)

// Options controls emission (spec §4.H, §6 CLI surface: "stranded vs
// unstranded emission").
type Options struct {
	Stranded bool
	Scaled   bool
}

// chromIndex gives O(1) ChromTable lookup by name, preserving declared
// order for iteration.
func chromIndex(t *postable.Table) (map[string]*postable.ChromTable, []string) {
	idx := make(map[string]*postable.ChromTable, len(t.Chroms))
	order := make([]string, len(t.Chroms))
	for i := range t.Chroms {
		idx[t.Chroms[i].Name] = &t.Chroms[i]
		order[i] = t.Chroms[i].Name
	}
	return idx, order
}

// WritePlusMinus emits two fixed-step wiggle tracks (plus, minus) when
// opts.Stranded is true. m is the mask that produced t, needed to translate
// a pile-up's cut-site position back to the Position Table's
// cut_window_start key when opts.Scaled is set.
func WritePlusMinus(plusW, minusW io.Writer, t *postable.Table, result *binder.Result, sv scale.Vector, m *mask.Mask, opts Options) error {
	bp := bufio.NewWriter(plusW)
	bm := bufio.NewWriter(minusW)
	if err := writeStranded(bp, bm, t, result, sv, m, opts); err != nil {
		return err
	}
	if err := bp.Flush(); err != nil {
		return err
	}
	return bm.Flush()
}

// WriteUnstranded emits a single track summing plus and minus counts.
func WriteUnstranded(w io.Writer, t *postable.Table, result *binder.Result, sv scale.Vector, m *mask.Mask, opts Options) error {
	bw := bufio.NewWriter(w)
	if err := writeUnstranded(bw, t, result, sv, m, opts); err != nil {
		return err
	}
	return bw.Flush()
}

func writeStranded(plusW, minusW *bufio.Writer, t *postable.Table, result *binder.Result, sv scale.Vector, m *mask.Mask, opts Options) error {
	idx, order := chromIndex(t)
	for _, name := range order {
		positions := sortedPositions(result.PileUp[name])
		ct := idx[name]
		for _, pos := range positions {
			e := result.PileUp[name][pos]
			if e.Plus != 0 {
				if err := writeEntry(plusW, name, pos, valueFor(ct, pos, false, e.Plus, sv, m, opts)); err != nil {
					return err
				}
			}
			if e.Minus != 0 {
				if err := writeEntry(minusW, name, pos, valueFor(ct, pos, true, e.Minus, sv, m, opts)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func writeUnstranded(w *bufio.Writer, t *postable.Table, result *binder.Result, sv scale.Vector, m *mask.Mask, opts Options) error {
	idx, order := chromIndex(t)
	for _, name := range order {
		positions := sortedPositions(result.PileUp[name])
		ct := idx[name]
		for _, pos := range positions {
			e := result.PileUp[name][pos]
			var v float64
			if e.Plus != 0 {
				v += valueFor(ct, pos, false, e.Plus, sv, m, opts)
			}
			if e.Minus != 0 {
				v += valueFor(ct, pos, true, e.Minus, sv, m, opts)
			}
			if v == 0 {
				continue
			}
			if err := writeEntry(w, name, pos, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// valueFor returns the (optionally scaled) signal value for a pile-up count
// at cut-site position pos. The Position Table is keyed by cut_window_start,
// not by the cut site itself (postable.BuildChromosome, encodeEntry), so pos
// is translated back to the window-start index before indexing ct.Entries,
// mirroring binder.bindOne's inverse of the same offset.
func valueFor(ct *postable.ChromTable, pos int, isMinus bool, count uint64, sv scale.Vector, m *mask.Mask, opts Options) float64 {
	if !opts.Scaled {
		return float64(count)
	}
	var windowStart int
	if !isMinus {
		windowStart = pos - m.PlusOffset
	} else {
		windowStart = pos - (m.Width - 1 - m.MinusOffset)
	}
	var id kmer.ID = kmer.Invalid
	if ct != nil && windowStart >= 0 && windowStart < len(ct.Entries) {
		if isMinus {
			id = ct.Entries[windowStart].MinusID
		} else {
			id = ct.Entries[windowStart].PlusID
		}
	}
	if id == kmer.Invalid || int(id) >= len(sv) {
		return 0
	}
	return float64(count) * sv[id]
}

func sortedPositions(m map[int]binder.PileEntry) []int {
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// writeEntry writes one fixed-step-1 line: "<chrom>\t<1-based pos>\t<value>".
func writeEntry(w *bufio.Writer, chrom string, pos0 int, value float64) error {
	_, err := fmt.Fprintf(w, "%s\t%d\t%g\n", chrom, pos0+1, value)
	return err
}
