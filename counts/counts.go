// Package counts is the Statistics / Counts Table (spec §4's by-product,
// §6 "Counts table output"): a tab-separated per-k-mer report of observed,
// expected, and ratio. Grounded on shenwei356-unikmer's CLI output
// conventions — optional pgzip compression for large reports, and
// human-readable summary logging via go-humanize.
package counts

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/guertinlab/seqoutbias/kerr"
	"github.com/guertinlab/seqoutbias/kmer"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/klauspost/pgzip"
)

// Row is one k-mer id's report line.
type Row struct {
	Sequence string
	Observed uint64
	Expected uint64
	Ratio    float64
}

// Build derives the report rows for every k-mer id in m's alphabet, in
// ascending id order.
func Build(observed, expected []uint64, m *mask.Mask) []Row {
	n := int(m.NumKmers())
	rows := make([]Row, n)
	for id := 0; id < n; id++ {
		var ratio float64
		if expected[id] != 0 {
			ratio = float64(observed[id]) / float64(expected[id])
		}
		rows[id] = Row{
			Sequence: kmer.Sequence(kmer.ID(id), m),
			Observed: observed[id],
			Expected: expected[id],
			Ratio:    ratio,
		}
	}
	return rows
}

// Write emits rows as TSV: "<k-mer sequence>\t<observed>\t<expected>\t<ratio>".
func Write(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	for _, r := range rows {
		if _, err := fmt.Fprintf(bw, "%s\t%d\t%d\t%g\n", r.Sequence, r.Observed, r.Expected, r.Ratio); err != nil {
			return kerr.Wrap(kerr.IOError, err, "counts: writing row")
		}
	}
	return kerr.Wrap(kerr.IOError, bw.Flush(), "counts: flushing")
}

// WriteCompressed pgzip-compresses the TSV output, matching the pack's
// convention of reaching for parallel gzip once a k-mer alphabet (and thus
// the report) grows large (w > 12, i.e. > 16M rows).
func WriteCompressed(w io.Writer, rows []Row, parallelism int) error {
	gz, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
	if err != nil {
		return kerr.Wrap(kerr.IOError, err, "counts: creating pgzip writer")
	}
	if parallelism > 0 {
		if err := gz.SetConcurrency(1<<20, parallelism); err != nil {
			return kerr.Wrap(kerr.IOError, err, "counts: configuring pgzip concurrency")
		}
	}
	if err := Write(gz, rows); err != nil {
		gz.Close()
		return err
	}
	return kerr.Wrap(kerr.IOError, gz.Close(), "counts: closing pgzip writer")
}

// Summary renders a short human-readable log line (used by pipeline's
// completion message).
func Summary(rows []Row) string {
	var totalObserved, totalExpected uint64
	for _, r := range rows {
		totalObserved += r.Observed
		totalExpected += r.Expected
	}
	return fmt.Sprintf("%s k-mers, %s observed cut sites, %s expected positions",
		humanize.Comma(int64(len(rows))), humanize.Comma(int64(totalObserved)), humanize.Comma(int64(totalExpected)))
}
