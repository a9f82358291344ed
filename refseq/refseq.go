// Package refseq is the Sequence Reader (spec §4.B): it opens a possibly
// gzip/bgzf-compressed FASTA file and yields, per chromosome, a lazy stream
// of 2-bit base codes plus an is-N bit, preserving chromosome names and
// lengths. Grounded on encoding/fasta/fasta.go's scanner loop and
// pileup.LoadFa's compression-type switch, generalized from "materialize
// the whole sequence as a string" to a single forward streaming pass, since
// the K-mer Table Builder only ever needs one pass per chromosome.
package refseq

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/guertinlab/seqoutbias/bioenc"
	"github.com/guertinlab/seqoutbias/kerr"
	"github.com/klauspost/compress/gzip"
)

// Base is one position of a reference sequence: a 2-bit code, valid only
// when IsN is false.
type Base struct {
	Code bioenc.Base
	IsN  bool
}

// Chromosome describes one named sequence, without yet reading its bases.
// Reader.Next leaves Len at zero, since the length is not known until the
// bases are read; Sequence.Len reports it once Scan has returned false.
type Chromosome struct {
	Name string
	Len  int
}

// Reader yields chromosomes from a FASTA file in declaration order. Reader
// is not safe for concurrent use; open one Reader per goroutine/shard
// (mirroring the teacher's per-shard-local refSeq8 buffers).
type Reader struct {
	f       *os.File
	scanner *bufio.Scanner
	closer  io.Closer

	pendingName string // name of the next chromosome, already read from its '>' line
	done        bool
}

// Open opens path (plain, gzip, or bgzf compressed, detected by content)
// for streaming FASTA reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.InvalidReference, err, "refseq: opening "+path)
	}
	r, err := newReaderFromStream(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReaderFromStream(raw io.Reader, closer io.Closer) (*Reader, error) {
	br := bufio.NewReader(raw)
	head, err := br.Peek(18)
	var reader io.Reader = br
	switch {
	case err == nil && isBGZFHeader(head):
		// BGZF is a block-compressed gzip variant (an "BC" extra-field
		// subfield per block) that github.com/biogo/hts/bgzf decodes with
		// concurrent workers, the same entry point bam.NewReader uses for
		// alignment input (bam/reader.go: bgzf.NewReader(r, rd)). Passing
		// rd=0 sets concurrency to GOMAXPROCS.
		bg, berr := bgzf.NewReader(br, 0)
		if berr != nil {
			return nil, kerr.Wrap(kerr.InvalidReference, berr, "refseq: bgzf header")
		}
		reader = bg
	case err == nil && len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		gz, gerr := gzip.NewReader(br)
		if gerr != nil {
			return nil, kerr.Wrap(kerr.InvalidReference, gerr, "refseq: gzip header")
		}
		reader = gz
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<30)
	r := &Reader{scanner: scanner, closer: closer}
	if err := r.advance(); err != nil {
		return nil, err
	}
	return r, nil
}

// isBGZFHeader reports whether head (the first bytes of a gzip member)
// carries the BGZF extra-field signature: FEXTRA set in FLG, and an "BC"
// subfield of length 2 at the start of the extra field. Plain gzip never
// sets this subfield, so this distinguishes BGZF from ordinary gzip despite
// both sharing the 0x1f 0x8b magic.
func isBGZFHeader(head []byte) bool {
	if len(head) < 18 || head[0] != 0x1f || head[1] != 0x8b || head[2] != 8 {
		return false
	}
	const fExtra = 0x04
	if head[3]&fExtra == 0 {
		return false
	}
	xlen := int(head[10]) | int(head[11])<<8
	if xlen < 6 {
		return false
	}
	si1, si2 := head[12], head[13]
	slen := int(head[14]) | int(head[15])<<8
	return si1 == 'B' && si2 == 'C' && slen == 2
}

// advance positions r.pendingName at the next '>' header line, or sets
// r.done if the stream is exhausted.
func (r *Reader) advance() error {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			name := strings.SplitN(line[1:], " ", 2)[0]
			if name == "" {
				return kerr.New(kerr.InvalidReference, "refseq: empty chromosome name in FASTA header")
			}
			r.pendingName = name
			return nil
		}
		return kerr.Newf(kerr.InvalidReference, "refseq: malformed FASTA: expected '>' header, got %q", line)
	}
	if err := r.scanner.Err(); err != nil {
		return kerr.Wrap(kerr.IOError, err, "refseq: reading FASTA")
	}
	r.done = true
	return nil
}

// Next returns the next chromosome's metadata and a Sequence cursor over
// its bases, or (nil, nil, io.EOF) when the file is exhausted.
func (r *Reader) Next() (*Chromosome, *Sequence, error) {
	if r.done {
		return nil, nil, io.EOF
	}
	name := r.pendingName
	seq := &Sequence{r: r, name: name}
	return &Chromosome{Name: name}, seq, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Sequence streams one chromosome's bases. Callers must exhaust it
// (repeatedly call Scan until it returns false) before calling Reader.Next
// again.
type Sequence struct {
	r    *Reader
	name string

	line    string
	linePos int
	pos     int
	cur     Base
	err     error
}

// Scan advances to the next base, returning false at the end of this
// chromosome (or on error, distinguishable via Err).
func (s *Sequence) Scan() bool {
	r := s.r
	for s.linePos >= len(s.line) {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				s.err = kerr.Wrap(kerr.IOError, err, "refseq: reading FASTA body")
			}
			r.done = true
			return false
		}
		line := r.scanner.Text()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			name := strings.SplitN(line[1:], " ", 2)[0]
			if name == "" {
				s.err = kerr.New(kerr.InvalidReference, "refseq: empty chromosome name in FASTA header")
				return false
			}
			r.pendingName = name
			return false
		}
		s.line = line
		s.linePos = 0
	}
	b := s.line[s.linePos]
	s.linePos++
	code, ok := bioenc.Encode(b)
	if !ok {
		s.cur = Base{IsN: true}
	} else {
		s.cur = Base{Code: code}
	}
	s.pos++
	return true
}

// Err returns the error, if any, that stopped Scan.
func (s *Sequence) Err() error { return s.err }

// Base returns the base most recently produced by Scan.
func (s *Sequence) Base() Base { return s.cur }

// Name returns this sequence's chromosome name.
func (s *Sequence) Name() string { return s.name }

// Len returns the number of bases scanned so far; once Scan has returned
// false for this Sequence, it is the chromosome's full length.
func (s *Sequence) Len() int { return s.pos }
