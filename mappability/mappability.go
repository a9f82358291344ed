// Package mappability is the Mappability Reader (spec §4.C): it opens a
// per-read-length mappability input, in either of the two forms spec §6
// allows (a per-position binary bitmap, or a text stream of (chrom, start,
// end, unique?) intervals), and yields a []bool bitmap aligned to
// reference coordinates. Interval-form input is held in an interval tree
// (github.com/biogo/store/interval, also present in the teacher's own
// dependency closure) and materialized into a bitmap lazily per
// chromosome, satisfying the spec's "conversion between forms is the
// core's responsibility" requirement without eagerly allocating a bitmap
// for chromosomes never queried.
package mappability

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
	"github.com/guertinlab/seqoutbias/kerr"
)

// bitmapMagic identifies the per-position binary bitmap form (spec §6): a
// single file holding one dense []bool per chromosome, as opposed to the
// text interval-list form. Detected by sniffing the first bytes of path, the
// same way refseq.Open distinguishes plain/gzip/bgzf FASTA by magic bytes.
var bitmapMagic = []byte("SOBMAPB1")

// Bitmap answers "does a read of the configured length starting at p align
// uniquely?" for one chromosome.
type Bitmap interface {
	// Unique reports whether position p (0-based) is a unique start site.
	// p outside the chromosome's length is always false.
	Unique(p int) bool
}

// denseBitmap is a materialized []bool-backed Bitmap.
type denseBitmap []bool

func (d denseBitmap) Unique(p int) bool {
	if p < 0 || p >= len(d) {
		return false
	}
	return d[p]
}

// AllOnes returns a Bitmap that reports every position in [0, length) as
// unique. The driver does not use it: with no mappability input it passes a
// nil Bitmap, which postable treats as every position unique.
func AllOnes(length int) Bitmap {
	b := make(denseBitmap, length)
	for i := range b {
		b[i] = true
	}
	return b
}

// Reader serves per-chromosome Bitmaps for one read-length class.
type Reader struct {
	readLen int

	// Exactly one of these is populated, depending on the input form.
	denseByChrom map[string]denseBitmap
	intervals    map[string]*interval.IntTree
	chromLens    map[string]int
}

// ReadLength returns the read length this Reader was built for.
func (r *Reader) ReadLength() int { return r.readLen }

// ivInterval adapts a half-open [start,end) range to interval.IntTree's
// required interface.
type ivInterval struct {
	start, end int
	id         uintptr
}

func (iv ivInterval) Overlap(b interval.IntRange) bool {
	return iv.start < b.End && b.Start < iv.end
}
func (iv ivInterval) ID() uintptr             { return iv.id }
func (iv ivInterval) Range() interval.IntRange { return interval.IntRange{Start: iv.start, End: iv.end} }
func (iv ivInterval) String() string           { return "" }

// Open opens a mappability input for the given read length. Format is
// detected by content, mirroring refseq.Open's magic-byte sniff: a file
// starting with bitmapMagic is the per-position binary bitmap form (one
// dense byte-per-position record per chromosome, nonzero meaning unique);
// anything else is parsed as the text interval-list form, one
// (chrom, start, end[, unique]) tuple per line.
func Open(path string, readLen int, chromLens map[string]int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.MissingMappability, err, "mappability: opening "+path)
	}
	defer f.Close()

	head := make([]byte, len(bitmapMagic))
	n, _ := io.ReadFull(f, head)
	if n == len(bitmapMagic) && string(head) == string(bitmapMagic) {
		dense, err := readBitmapFile(f, readLen)
		if err != nil {
			return nil, err
		}
		return &Reader{readLen: readLen, chromLens: chromLens, denseByChrom: dense}, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, kerr.Wrap(kerr.IOError, err, "mappability: seeking "+path)
	}

	r := &Reader{readLen: readLen, chromLens: chromLens}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	trees := make(map[string]*interval.IntTree)
	var nextID uintptr
	sawAny := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, kerr.Newf(kerr.MissingMappability, "mappability: malformed interval line %q", line)
		}
		start, err1 := strconv.Atoi(fields[1])
		end, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return nil, kerr.Newf(kerr.MissingMappability, "mappability: malformed interval line %q", line)
		}
		unique := true
		if len(fields) >= 4 {
			unique = fields[3] == "1" || strings.EqualFold(fields[3], "true") || strings.EqualFold(fields[3], "unique")
		}
		if !unique {
			continue
		}
		chrom := fields[0]
		t := trees[chrom]
		if t == nil {
			t = &interval.IntTree{}
			trees[chrom] = t
		}
		nextID++
		if err := t.Insert(ivInterval{start: start, end: end, id: nextID}, false); err != nil {
			return nil, kerr.Wrap(kerr.MissingMappability, err, "mappability: inserting interval")
		}
		sawAny = true
	}
	if err := scanner.Err(); err != nil {
		return nil, kerr.Wrap(kerr.IOError, err, "mappability: reading "+path)
	}
	if !sawAny {
		return nil, kerr.Newf(kerr.MissingMappability, "mappability: no usable entries in %s for read length %d", path, readLen)
	}
	for _, t := range trees {
		t.AdjustRanges()
	}
	r.intervals = trees
	return r, nil
}

// readBitmapFile parses the per-position binary bitmap form, after the
// magic header has already been consumed from f: a sequence of records,
// each a length-prefixed chromosome name, a uint32 position count, and that
// many raw bytes (nonzero meaning unique), until EOF.
func readBitmapFile(f *os.File, readLen int) (map[string]denseBitmap, error) {
	r := bufio.NewReader(f)
	dense := make(map[string]denseBitmap)
	for {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			if err == io.EOF {
				break
			}
			return nil, kerr.Wrap(kerr.MissingMappability, err, "mappability: reading bitmap chromosome name length")
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return nil, kerr.Wrap(kerr.MissingMappability, err, "mappability: reading bitmap chromosome name")
		}
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, kerr.Wrap(kerr.MissingMappability, err, "mappability: reading bitmap position count")
		}
		raw := make([]byte, count)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, kerr.Wrap(kerr.MissingMappability, err, "mappability: reading bitmap body")
		}
		b := make(denseBitmap, len(raw))
		for i, v := range raw {
			b[i] = v != 0
		}
		dense[string(nameBuf)] = b
	}
	if len(dense) == 0 {
		return nil, kerr.Newf(kerr.MissingMappability, "mappability: bitmap file has no chromosomes for read length %d", readLen)
	}
	return dense, nil
}

// Chromosome returns the Bitmap for chrom, materializing it from the
// interval tree on first access if this Reader holds interval-form data.
func (r *Reader) Chromosome(chrom string) (Bitmap, error) {
	if r.denseByChrom != nil {
		b, ok := r.denseByChrom[chrom]
		if !ok {
			return nil, kerr.Newf(kerr.MissingMappability, "mappability: no data for chromosome %s", chrom)
		}
		return b, nil
	}
	t, ok := r.intervals[chrom]
	if !ok {
		return nil, kerr.Newf(kerr.MissingMappability, "mappability: no data for chromosome %s", chrom)
	}
	length, ok := r.chromLens[chrom]
	if !ok {
		return nil, kerr.Newf(kerr.InvalidReference, "mappability: unknown length for chromosome %s", chrom)
	}
	bm := make(denseBitmap, length)
	t.Do(func(iv interval.IntInterface) bool {
		rng := iv.Range()
		lo, hi := rng.Start, rng.End
		if lo < 0 {
			lo = 0
		}
		if hi > length {
			hi = length
		}
		for p := lo; p < hi; p++ {
			bm[p] = true
		}
		return false
	})
	return bm, nil
}
