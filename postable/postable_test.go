package postable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guertinlab/seqoutbias/kmer"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/refseq"
	"github.com/stretchr/testify/assert"
)

func openSeq(t *testing.T, content string) *refseq.Sequence {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.fa")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	r, err := refseq.Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	_, seq, err := r.Next()
	assert.NoError(t, err)
	return seq
}

func TestBuildChromosomeTableShapeAndPadding(t *testing.T) {
	// Reference length 10, mask width 3 ("NCN"): valid window starts are
	// 0..7 (8 positions); the trailing 2 positions pad Invalid/Invalid.
	m, err := mask.Parse("NCN")
	assert.NoError(t, err)
	seq := openSeq(t, ">chr1\nACGTACGTAC\n")
	expected := NewExpectedCounts(m)

	ct, err := BuildChromosome(seq, m, nil, expected)
	assert.NoError(t, err)
	assert.Equal(t, "chr1", ct.Name)
	assert.Len(t, ct.Entries, 10)
	for i := 8; i < 10; i++ {
		assert.Equal(t, kmer.Invalid, ct.Entries[i].PlusID, "position %d should be padding", i)
		assert.Equal(t, kmer.Invalid, ct.Entries[i].MinusID, "position %d should be padding", i)
	}
	assert.NotEqual(t, kmer.Invalid, ct.Entries[0].PlusID)
}

func TestBuildChromosomeNOnlyBreaksWindowsWhereItLandsOnAUsePosition(t *testing.T) {
	// Mask "NCN": Use positions are window-relative 0 and 2; position 1 (the
	// cut-site marker) is never consulted for k-mer encoding. The reference
	// N at global index 2 lands on a Use position for windowStart 0 ("ACN",
	// window-relative index 2) and for windowStart 2 ("NTA", window-relative
	// index 0), but on the skipped middle position for windowStart 1
	// ("CNT", window-relative index 1), so that window stays valid.
	m, err := mask.Parse("NCN")
	assert.NoError(t, err)
	seq := openSeq(t, ">chr1\nACNTACGTAC\n")
	expected := NewExpectedCounts(m)

	ct, err := BuildChromosome(seq, m, nil, expected)
	assert.NoError(t, err)
	assert.Equal(t, kmer.Invalid, ct.Entries[0].PlusID)
	assert.NotEqual(t, kmer.Invalid, ct.Entries[1].PlusID)
	assert.Equal(t, kmer.Invalid, ct.Entries[2].PlusID)
}

func TestExpectedCountsAddSkipsInvalid(t *testing.T) {
	m, err := mask.Parse("NCN")
	assert.NoError(t, err)
	e := NewExpectedCounts(m)
	e.Add(kmer.Invalid)
	for _, v := range e {
		assert.Equal(t, uint64(0), v)
	}
	e.Add(kmer.ID(0))
	assert.Equal(t, uint64(1), e[0])
}

func TestValidateExpected(t *testing.T) {
	assert.Error(t, ValidateExpected(ExpectedCounts{0, 0, 0}))
	assert.NoError(t, ValidateExpected(ExpectedCounts{0, 1, 0}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := mask.Parse("NCN")
	assert.NoError(t, err)
	seq := openSeq(t, ">chr1\nACGTACGTAC\n")
	expected := NewExpectedCounts(m)
	ct, err := BuildChromosome(seq, m, nil, expected)
	assert.NoError(t, err)
	table := &Table{Chroms: []ChromTable{ct}}

	path := filepath.Join(t.TempDir(), "table.bin")
	fp := Fingerprint([]byte("refdigest"), nil, m.String(), 36, "1")
	assert.NoError(t, Save(path, fp, table, expected))

	loaded, loadedExpected, err := Load(path, fp)
	assert.NoError(t, err)
	assert.Equal(t, expected, loadedExpected)
	assert.Equal(t, table.Chroms[0].Name, loaded.Chroms[0].Name)
	assert.Equal(t, table.Chroms[0].Entries, loaded.Chroms[0].Entries)
}

func TestLoadFingerprintMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.bin")
	fp := Fingerprint([]byte("a"), nil, "NCN", 36, "1")
	assert.NoError(t, Save(path, fp, &Table{}, ExpectedCounts{}))

	otherFp := Fingerprint([]byte("b"), nil, "NCN", 36, "1")
	_, _, err := Load(path, otherFp)
	assert.Error(t, err)
}
