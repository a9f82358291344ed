// Package postable is the K-mer Table Builder (spec §4.E): it produces,
// for one chromosome at a time, a dense position table mapping each
// reference position to its strand-resolved k-mer ids, and accumulates
// the genome-wide expected-count vector those positions contribute to.
// Persistence goes through cache's fingerprinted, atomically-renamed
// artifact store. The per-chromosome dense-array shape is grounded on
// pileup/snp/pileup.go's pileupMutable ring buffer, generalized from a
// circular window to a full chromosome-length array per spec §5's
// resource policy ("held in memory only for chromosomes currently being
// processed").
package postable

import (
	"encoding/binary"
	"io"

	"github.com/guertinlab/seqoutbias/cache"
	"github.com/guertinlab/seqoutbias/kerr"
	"github.com/guertinlab/seqoutbias/kmer"
	"github.com/guertinlab/seqoutbias/mappability"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/refseq"
)

// Entry is one genomic position's strand-resolved k-mer ids.
type Entry struct {
	PlusID  kmer.ID
	MinusID kmer.ID
}

// ChromTable is the dense per-position table for one chromosome.
type ChromTable struct {
	Name    string
	Entries []Entry
}

// Table is the whole genome's position table, one ChromTable per
// chromosome in reference declaration order.
type Table struct {
	Chroms []ChromTable
}

// ExpectedCounts is the expected-count vector, one entry per k-mer id.
type ExpectedCounts []uint64

// NewExpectedCounts allocates a zeroed vector sized for m's alphabet.
func NewExpectedCounts(m *mask.Mask) ExpectedCounts {
	return make(ExpectedCounts, m.NumKmers())
}

// Add increments expected[id] if id is valid, a no-op for kmer.Invalid.
func (e ExpectedCounts) Add(id kmer.ID) {
	if id != kmer.Invalid {
		e[id]++
	}
}

// BuildChromosome slides a length-M window across one chromosome's bases
// (spec §4.E algorithm), writing plus/minus k-mer ids per position and
// accumulating expected into the caller-owned vector. Positions where the
// window would run past either end of the chromosome are written as
// Invalid/Invalid (spec's edge policy), and contribute nothing to
// expected.
func BuildChromosome(seq *refseq.Sequence, m *mask.Mask, mapp mappability.Bitmap, expected ExpectedCounts) (ChromTable, error) {
	width := m.Width
	window := make([]byte, 0, width)
	var bases []refseq.Base

	ct := ChromTable{Name: seq.Name()}
	pos := 0
	for seq.Scan() {
		b := seq.Base()
		bases = append(bases, b)
		pos++
		if len(bases) < width {
			continue
		}
		// bases now holds exactly the last `width` bases ending at pos-1;
		// windowStart is pos-width, the position this entry describes.
		windowStart := pos - width
		window = window[:0]
		for _, bb := range bases[len(bases)-width:] {
			if bb.IsN {
				window = append(window, 'N')
			} else {
				window = append(window, asciiOf(bb))
			}
		}
		entry := encodeEntry(kmer.Window(window), m, mapp, windowStart)
		ct.Entries = append(ct.Entries, entry)
		expected.Add(entry.PlusID)
		expected.Add(entry.MinusID)
		// Keep bases from growing unboundedly; retain only the trailing
		// width-1 for the next iteration.
		bases = bases[len(bases)-width+1:]
	}
	if err := seq.Err(); err != nil {
		return ct, err
	}
	// ct.Entries[p] holds the entry for window-start p, for p in
	// [0, total-width]. Trailing positions [total-width+1, total) have no
	// full window within the chromosome; pad them Invalid/Invalid per
	// spec's edge policy.
	total := seq.Len()
	padded := make([]Entry, total)
	for i := range padded {
		padded[i] = Entry{PlusID: kmer.Invalid, MinusID: kmer.Invalid}
	}
	copy(padded, ct.Entries)
	ct.Entries = padded
	return ct, nil
}

func asciiOf(b refseq.Base) byte {
	switch b.Code {
	case 0:
		return 'A'
	case 1:
		return 'C'
	case 2:
		return 'G'
	default:
		return 'T'
	}
}

// encodeEntry computes the plus/minus k-mer ids for the window starting at
// windowStart, applying the mappability check at the strand-appropriate
// cut offset (spec §4.E).
func encodeEntry(window kmer.Window, m *mask.Mask, mapp mappability.Bitmap, windowStart int) Entry {
	var e Entry
	if plusID, ok := kmer.Encode(window, m); ok {
		cutPos := windowStart + m.PlusOffset
		if mapp == nil || mapp.Unique(cutPos) {
			e.PlusID = plusID
		} else {
			e.PlusID = kmer.Invalid
		}
	} else {
		e.PlusID = kmer.Invalid
	}
	if minusID, ok := kmer.EncodeMinus(window, m); ok {
		// The minus-strand cut site under this window sits MinusOffset
		// bases in from the window's right edge.
		cutPos := windowStart + (m.Width - 1 - m.MinusOffset)
		if mapp == nil || mapp.Unique(cutPos) {
			e.MinusID = minusID
		} else {
			e.MinusID = kmer.Invalid
		}
	} else {
		e.MinusID = kmer.Invalid
	}
	return e
}

// --- Persistence ---

// Fingerprint derives the artifact fingerprint per spec §4.E from the
// reference file's content hash, the mask string, the read length, and the
// mappability file's content hash.
func Fingerprint(refDigest, mappDigest []byte, maskStr string, readLen int, toolVersion string) cache.Fingerprint {
	var rl [8]byte
	binary.LittleEndian.PutUint64(rl[:], uint64(readLen))
	return cache.Compute(refDigest, []byte(maskStr), rl[:], mappDigest, []byte(toolVersion))
}

// Save persists t and expected to path atomically.
func Save(path string, fp cache.Fingerprint, t *Table, expected ExpectedCounts) error {
	return cache.Store(path, fp, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(expected))); err != nil {
			return err
		}
		for _, v := range expected {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Chroms))); err != nil {
			return err
		}
		for _, ct := range t.Chroms {
			if err := writeString(w, ct.Name); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(ct.Entries))); err != nil {
				return err
			}
			for _, e := range ct.Entries {
				if err := binary.Write(w, binary.LittleEndian, uint64(e.PlusID)); err != nil {
					return err
				}
				if err := binary.Write(w, binary.LittleEndian, uint64(e.MinusID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Load reloads a Table and ExpectedCounts from path iff its stored
// fingerprint equals want; otherwise returns a FingerprintMismatch error
// (spec §7: triggers a silent rebuild upstream, not a fatal error).
func Load(path string, want cache.Fingerprint) (*Table, ExpectedCounts, error) {
	var t Table
	var expected ExpectedCounts
	err := cache.Load(path, want, func(r io.Reader) error {
		var nExpected uint32
		if err := binary.Read(r, binary.LittleEndian, &nExpected); err != nil {
			return err
		}
		expected = make(ExpectedCounts, nExpected)
		for i := range expected {
			if err := binary.Read(r, binary.LittleEndian, &expected[i]); err != nil {
				return err
			}
		}
		var nChroms uint32
		if err := binary.Read(r, binary.LittleEndian, &nChroms); err != nil {
			return err
		}
		t.Chroms = make([]ChromTable, nChroms)
		for i := range t.Chroms {
			name, err := readString(r)
			if err != nil {
				return err
			}
			var nEntries uint32
			if err := binary.Read(r, binary.LittleEndian, &nEntries); err != nil {
				return err
			}
			entries := make([]Entry, nEntries)
			for j := range entries {
				var plus, minus uint64
				if err := binary.Read(r, binary.LittleEndian, &plus); err != nil {
					return err
				}
				if err := binary.Read(r, binary.LittleEndian, &minus); err != nil {
					return err
				}
				entries[j] = Entry{PlusID: kmer.ID(plus), MinusID: kmer.ID(minus)}
			}
			t.Chroms[i] = ChromTable{Name: name, Entries: entries}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &t, expected, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ValidateExpected returns EmptyExpectedCounts if no k-mer id was ever
// observed as expected (spec §7: "indicates misconfigured mappability").
func ValidateExpected(expected ExpectedCounts) error {
	for _, v := range expected {
		if v > 0 {
			return nil
		}
	}
	return kerr.New(kerr.EmptyExpectedCounts, "postable: expected-count vector is all zero")
}
