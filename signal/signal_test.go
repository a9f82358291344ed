package signal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/guertinlab/seqoutbias/binder"
	"github.com/guertinlab/seqoutbias/kmer"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/postable"
	"github.com/guertinlab/seqoutbias/scale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMask gives plus and minus cut sites distinct offsets from the same
// window start (PlusOffset=1, MinusOffset=0 -> minus cut = windowStart+2),
// so a test that only exercised a symmetric mask could not catch a
// window-start/cut-site mixup in either strand's translation.
func testMask(t *testing.T) *mask.Mask {
	t.Helper()
	m, err := mask.Parse("NCN")
	require.NoError(t, err)
	return m.WithOffsetOverride(1, 0)
}

// sampleTable is keyed by cut_window_start (0, 1, 2), as postable.BuildChromosome
// produces it: entries[0] describes the window starting at 0, not the cut
// site derived from it.
func sampleTable() *postable.Table {
	return &postable.Table{Chroms: []postable.ChromTable{
		{Name: "chr1", Entries: []postable.Entry{
			{PlusID: 0, MinusID: 1},
			{PlusID: kmer.Invalid, MinusID: kmer.Invalid},
			{PlusID: 2, MinusID: kmer.Invalid},
		}},
	}}
}

// sampleResult's pile-up is keyed by cut-site position, derived from
// sampleTable's window starts under testMask: windowStart 0 -> plus cut 1,
// minus cut 2; windowStart 2 -> plus cut 3, minus cut 4 (no minus entry,
// since that window's MinusID is Invalid).
func sampleResult() *binder.Result {
	return &binder.Result{
		PileUp: map[string]map[int]binder.PileEntry{
			"chr1": {
				1: {Plus: 3},
				2: {Minus: 1},
				3: {Plus: 2},
			},
		},
	}
}

func TestWriteUnstrandedRaw(t *testing.T) {
	var buf bytes.Buffer
	sv := scale.Vector{1, 1, 1}
	err := WriteUnstranded(&buf, sampleTable(), sampleResult(), sv, testMask(t), Options{Scaled: false})
	assert.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "chr1\t2\t3") // cut pos 1 (1-based 2), plus(3)
	assert.Contains(t, out, "chr1\t3\t1") // cut pos 2 (1-based 3), minus(1)
	assert.Contains(t, out, "chr1\t4\t2") // cut pos 3 (1-based 4), plus(2)
}

func TestWriteUnstrandedScaled(t *testing.T) {
	var buf bytes.Buffer
	sv := scale.Vector{2, 0.5, 10}
	err := WriteUnstranded(&buf, sampleTable(), sampleResult(), sv, testMask(t), Options{Scaled: true})
	assert.NoError(t, err)
	out := buf.String()
	// cut pos 1: windowStart = 1 - PlusOffset(1) = 0 -> PlusID 0, scale 2 -> 3*2=6
	assert.Contains(t, out, "chr1\t2\t6")
	// cut pos 2: windowStart = 2 - (Width-1-MinusOffset) = 2 - 2 = 0 -> MinusID 1, scale 0.5 -> 1*0.5=0.5
	assert.Contains(t, out, "chr1\t3\t0.5")
	// cut pos 3: windowStart = 3 - 1 = 2 -> PlusID 2, scale 10 -> 2*10=20
	assert.Contains(t, out, "chr1\t4\t20")
}

func TestWritePlusMinusSeparatesStrands(t *testing.T) {
	var plusBuf, minusBuf bytes.Buffer
	sv := scale.Vector{1, 1, 1}
	err := WritePlusMinus(&plusBuf, &minusBuf, sampleTable(), sampleResult(), sv, testMask(t), Options{Stranded: true, Scaled: false})
	assert.NoError(t, err)
	assert.True(t, strings.Contains(plusBuf.String(), "chr1\t2\t3"))
	assert.True(t, strings.Contains(plusBuf.String(), "chr1\t4\t2"))
	assert.True(t, strings.Contains(minusBuf.String(), "chr1\t3\t1"))
	assert.False(t, strings.Contains(minusBuf.String(), "chr1\t2"), "cut pos 1 has no minus pile-up")
}

func TestValueForTranslatesCutSiteToWindowStart(t *testing.T) {
	// Direct unit check of the translation valueFor performs, isolated from
	// the higher-level writers above.
	ct := &sampleTable().Chroms[0]
	m := testMask(t)
	sv := scale.Vector{2, 0.5, 10}

	// cut pos 1, plus strand -> windowStart 0 -> PlusID 0 -> scale 2.
	assert.Equal(t, 6.0, valueFor(ct, 1, false, 3, sv, m, Options{Scaled: true}))
	// cut pos 2, minus strand -> windowStart 0 -> MinusID 1 -> scale 0.5.
	assert.Equal(t, 0.5, valueFor(ct, 2, true, 1, sv, m, Options{Scaled: true}))
	// cut pos 3, plus strand -> windowStart 2 -> PlusID 2 -> scale 10.
	assert.Equal(t, 20.0, valueFor(ct, 3, false, 2, sv, m, Options{Scaled: true}))
}
