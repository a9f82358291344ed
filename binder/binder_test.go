package binder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/guertinlab/seqoutbias/kmer"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/postable"
	"github.com/guertinlab/seqoutbias/refseq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMask(t *testing.T) *mask.Mask {
	t.Helper()
	m, err := mask.Parse("NCN")
	require.NoError(t, err)
	return m
}

// newChromByName is a throwaway lookup table for tests that only care
// whether a read is bound or skipped (flag/MAPQ/duplicate filtering), not
// which k-mer id it resolves to; every entry is non-Invalid so binding always
// succeeds. It does not model cut_window_start translation at all, so it
// must never be used to assert a resulting Observed/PileUp k-mer id is
// correct — see TestBindOneAgainstRealPositionTable for a table built the
// real way (refseq + postable.BuildChromosome) that does.
func newChromByName(t *testing.T, name string, length int) map[string]*postable.ChromTable {
	t.Helper()
	entries := make([]postable.Entry, length)
	for i := range entries {
		entries[i] = postable.Entry{PlusID: kmer.ID(i % 4), MinusID: kmer.ID(i % 4)}
	}
	return map[string]*postable.ChromTable{
		name: {Name: name, Entries: entries},
	}
}

func newPlusRecord(t *testing.T, ref *sam.Reference, pos int, flags sam.Flags, mapq byte) *sam.Record {
	t.Helper()
	rec, err := sam.NewRecord("read1", ref, nil, pos, -1, 0, mapq,
		[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)},
		[]byte("ACGT"), []byte{30, 30, 30, 30}, nil)
	require.NoError(t, err)
	rec.Flags = flags
	return rec
}

func newRef(t *testing.T, name string, length int) *sam.Reference {
	t.Helper()
	ref, err := sam.NewReference(name, "", "", length, nil, nil)
	require.NoError(t, err)
	_, err = sam.NewHeader(nil, []*sam.Reference{ref})
	require.NoError(t, err)
	return ref
}

func TestBindOnePlusStrandBasic(t *testing.T) {
	ref := newRef(t, "chr1", 1000)
	m := newMask(t)
	chromByName := newChromByName(t, "chr1", 1000)

	rec := newPlusRecord(t, ref, 100, 0, 60)
	result := NewResult(m)
	opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, MinMapQ: 0}
	seen := make(map[dupKey]struct{})

	err := bindOne(rec, chromByName, opts, result, seen)
	assert.NoError(t, err)
	// PlusOffset for "NCN" is 1, so cut = pos(100) + 1 = 101.
	assert.Equal(t, uint64(1), result.PileUp["chr1"][101].Plus)
}

func TestBindOneSkipsExcludedFlags(t *testing.T) {
	ref := newRef(t, "chr1", 1000)
	m := newMask(t)
	chromByName := newChromByName(t, "chr1", 1000)

	rec := newPlusRecord(t, ref, 100, sam.Unmapped, 60)
	result := NewResult(m)
	opts := Options{Mask: m, FlagExclude: DefaultFlagExclude}
	seen := make(map[dupKey]struct{})

	assert.NoError(t, bindOne(rec, chromByName, opts, result, seen))
	assert.Empty(t, result.PileUp)
}

func TestBindOneHonorFlagSkipsDuplicate(t *testing.T) {
	ref := newRef(t, "chr1", 1000)
	m := newMask(t)
	chromByName := newChromByName(t, "chr1", 1000)

	rec := newPlusRecord(t, ref, 100, sam.Duplicate, 60)
	result := NewResult(m)
	opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, DupPolicy: HonorFlag}
	seen := make(map[dupKey]struct{})

	assert.NoError(t, bindOne(rec, chromByName, opts, result, seen))
	assert.Empty(t, result.PileUp)
}

func TestBindOneCollapseByPositionDoesNotDoubleCount(t *testing.T) {
	ref := newRef(t, "chr1", 1000)
	m := newMask(t)
	chromByName := newChromByName(t, "chr1", 1000)

	opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, DupPolicy: CollapseByPosition}
	result := NewResult(m)
	seen := make(map[dupKey]struct{})

	rec1 := newPlusRecord(t, ref, 100, 0, 60)
	rec2 := newPlusRecord(t, ref, 100, 0, 60)
	assert.NoError(t, bindOne(rec1, chromByName, opts, result, seen))
	assert.NoError(t, bindOne(rec2, chromByName, opts, result, seen))

	assert.Equal(t, uint64(1), result.PileUp["chr1"][101].Plus)
	var totalObserved uint64
	for _, v := range result.Observed {
		totalObserved += v
	}
	assert.Equal(t, uint64(1), totalObserved, "both Observed and PileUp must count the duplicate only once")
}

func TestBindOneIncludeAllCountsDuplicates(t *testing.T) {
	ref := newRef(t, "chr1", 1000)
	m := newMask(t)
	chromByName := newChromByName(t, "chr1", 1000)

	opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, DupPolicy: IncludeAll}
	result := NewResult(m)
	seen := make(map[dupKey]struct{})

	rec1 := newPlusRecord(t, ref, 100, sam.Duplicate, 60)
	rec2 := newPlusRecord(t, ref, 100, sam.Duplicate, 60)
	assert.NoError(t, bindOne(rec1, chromByName, opts, result, seen))
	assert.NoError(t, bindOne(rec2, chromByName, opts, result, seen))

	assert.Equal(t, uint64(2), result.PileUp["chr1"][101].Plus)
}

func TestBindOneMinMapQFilters(t *testing.T) {
	ref := newRef(t, "chr1", 1000)
	m := newMask(t)
	chromByName := newChromByName(t, "chr1", 1000)

	rec := newPlusRecord(t, ref, 100, 0, 10)
	result := NewResult(m)
	opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, MinMapQ: 30}
	seen := make(map[dupKey]struct{})

	assert.NoError(t, bindOne(rec, chromByName, opts, result, seen))
	assert.Empty(t, result.PileUp)
}

// buildRealTable runs a literal FASTA sequence through refseq.Open and
// postable.BuildChromosome, producing the same cut_window_start-keyed table
// bindOne consumes in production, rather than a hand-indexed fixture.
func buildRealTable(t *testing.T, m *mask.Mask) *postable.ChromTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.fa")
	require.NoError(t, os.WriteFile(path, []byte(">chr1\nACGTACGTAC\n"), 0644))

	r, err := refseq.Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, seq, err := r.Next()
	require.NoError(t, err)

	expected := postable.NewExpectedCounts(m)
	ct, err := postable.BuildChromosome(seq, m, nil, expected)
	require.NoError(t, err)
	return &ct
}

// TestBindOneAgainstRealPositionTable builds a genuine Position Table from a
// known reference via postable.BuildChromosome (so Entries is keyed by
// cut_window_start exactly as production code keys it), then binds reads on
// both strands and checks the bound k-mer id against one independently
// computed from the known reference window at the read's true cut site.
// Asymmetric offsets (PlusOffset=1, effective minus offset=2) make plus and
// minus cut sites translate to different window starts, so a
// cut-vs-cut_window_start mixup in either strand's formula would land on the
// wrong Entries slot and produce a different id than expected here.
func TestBindOneAgainstRealPositionTable(t *testing.T) {
	m := newMask(t).WithOffsetOverride(1, 0)
	ct := buildRealTable(t, m)
	chromByName := map[string]*postable.ChromTable{"chr1": ct}
	ref := newRef(t, "chr1", 10)

	t.Run("plus strand", func(t *testing.T) {
		// pos=2, 4M covers [2,6); cut = 2+PlusOffset(1) = 3;
		// cut_window_start = 3-1 = 2; window at 2 is ref[2:5] = "GTA".
		wantID, ok := kmer.Encode(kmer.Window("GTA"), m)
		require.True(t, ok)
		require.Equal(t, wantID, ct.Entries[2].PlusID)

		rec := newPlusRecord(t, ref, 2, 0, 60)
		result := NewResult(m)
		opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, MinMapQ: 0}
		seen := make(map[dupKey]struct{})

		require.NoError(t, bindOne(rec, chromByName, opts, result, seen))
		assert.Equal(t, uint64(1), result.PileUp["chr1"][3].Plus)
		assert.Equal(t, uint64(1), result.Observed[wantID])
	})

	t.Run("minus strand", func(t *testing.T) {
		// pos=2, 4M covers [2,6); cut = end(6)-1-MinusOffset(0) = 5;
		// cut_window_start = 5-(Width-1-MinusOffset)(2) = 3; window at 3 is
		// ref[3:6] = "TAC".
		wantID, ok := kmer.EncodeMinus(kmer.Window("TAC"), m)
		require.True(t, ok)
		require.Equal(t, wantID, ct.Entries[3].MinusID)

		rec, err := sam.NewRecord("read2", ref, nil, 2, -1, 0, 60,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)},
			[]byte("ACGT"), []byte{30, 30, 30, 30}, nil)
		require.NoError(t, err)
		rec.Flags = sam.Reverse

		result := NewResult(m)
		opts := Options{Mask: m, FlagExclude: DefaultFlagExclude, MinMapQ: 0}
		seen := make(map[dupKey]struct{})

		require.NoError(t, bindOne(rec, chromByName, opts, result, seen))
		assert.Equal(t, uint64(1), result.PileUp["chr1"][5].Minus)
		assert.Equal(t, uint64(1), result.Observed[wantID])
	})
}

func TestResultMerge(t *testing.T) {
	m := newMask(t)
	a := NewResult(m)
	b := NewResult(m)
	a.Observed[0] = 3
	b.Observed[0] = 4
	a.add("chr1", 5, false, kmer.ID(1))
	b.add("chr1", 5, false, kmer.ID(1))
	b.add("chr1", 5, true, kmer.ID(1))

	a.Merge(b)
	assert.Equal(t, uint64(7), a.Observed[0])
	assert.Equal(t, uint64(2), a.PileUp["chr1"][5].Plus)
	assert.Equal(t, uint64(1), a.PileUp["chr1"][5].Minus)
}
