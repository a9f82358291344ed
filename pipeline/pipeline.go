// Package pipeline is the Pipeline Driver (spec §4.J): it composes mask,
// refseq, mappability, postable, binder, scale, signal, and counts,
// planning which stages to run, scheduling chromosome-parallel execution,
// and managing the scratch directory's lifecycle. Grounded on
// cmd/bio-pileup/snp/pileup.go's top-level Pileup function: parse/validate
// options, open inputs, plan shards, run stages, clean up.
package pipeline

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/biogo/hts/bam"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/guertinlab/seqoutbias/binder"
	"github.com/guertinlab/seqoutbias/cache"
	"github.com/guertinlab/seqoutbias/counts"
	"github.com/guertinlab/seqoutbias/kerr"
	"github.com/guertinlab/seqoutbias/mappability"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/postable"
	"github.com/guertinlab/seqoutbias/refseq"
	"github.com/guertinlab/seqoutbias/scale"
	"github.com/guertinlab/seqoutbias/signal"
)

// Options mirrors the CLI surface of spec §6.
type Options struct {
	ReferencePath    string
	AlignmentPaths   []string
	MaskString       string
	ReadLength       int
	MappabilityPath  string
	OutPrefix        string
	ScratchDir       string
	Stranded         bool
	SkipSignal       bool
	ScaleOpts        scale.Options
	DupPolicy        binder.DupPolicy
	EnforceReadLen   bool
	PlusOffsetOverride, MinusOffsetOverride *int
	ConverterPath    string // external signal-to-binary converter, spec §6
	Parallelism      int
	MalformedLimit   int
	CacheDir         string
	ToolVersion      string
}

// Plan is the resolved, validated set of inputs and derived parameters a
// Driver run executes against.
type Plan struct {
	Opts  Options
	Mask  *mask.Mask
}

// Driver executes a Plan.
type Driver struct {
	Stats cache.Stats
}

// Run executes stages A->{B,C}->E->I, then J binds E's artifact with F,
// then G, H, and K, per spec §2's data-flow line.
func (d *Driver) Run(plan Plan) error {
	opts := plan.Opts
	m := plan.Mask
	if opts.PlusOffsetOverride != nil && opts.MinusOffsetOverride != nil {
		// Table construction, binding and signal emission must all see the
		// same cut-site offsets.
		m = m.WithOffsetOverride(*opts.PlusOffsetOverride, *opts.MinusOffsetOverride)
	}

	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.MalformedLimit <= 0 {
		opts.MalformedLimit = 1000
	}

	scratch := opts.ScratchDir
	if scratch == "" {
		var err error
		scratch, err = os.MkdirTemp("", "seqoutbias-*")
		if err != nil {
			return kerr.Wrap(kerr.IOError, err, "pipeline: creating scratch dir")
		}
		defer os.RemoveAll(scratch)
	}

	table, expected, err := d.ensureTable(opts, m, scratch)
	if err != nil {
		return err
	}
	if err := postable.ValidateExpected(expected); err != nil {
		return err
	}

	result, err := d.bindAll(opts, table, m)
	if err != nil {
		return err
	}

	sv := scale.Compute(result.Observed, expected, opts.ScaleOpts)

	rows := counts.Build(result.Observed, expected, m)
	countsPath := opts.OutPrefix + ".counts.tsv"
	cf, err := os.Create(countsPath)
	if err != nil {
		return kerr.Wrap(kerr.IOError, err, "pipeline: creating counts output")
	}
	if err := counts.Write(cf, rows); err != nil {
		cf.Close()
		return err
	}
	if err := cf.Close(); err != nil {
		return kerr.Wrap(kerr.IOError, err, "pipeline: closing counts output")
	}
	log.Printf("pipeline: %s", counts.Summary(rows))

	if !opts.SkipSignal {
		if err := d.emitSignal(table, result, sv, m, opts); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) ensureTable(opts Options, m *mask.Mask, scratch string) (*postable.Table, postable.ExpectedCounts, error) {
	refBytes, err := os.ReadFile(opts.ReferencePath)
	if err != nil {
		return nil, nil, kerr.Wrap(kerr.InvalidReference, err, "pipeline: reading reference")
	}
	var mappBytes []byte
	if opts.MappabilityPath != "" {
		mappBytes, err = os.ReadFile(opts.MappabilityPath)
		if err != nil {
			return nil, nil, kerr.Wrap(kerr.MissingMappability, err, "pipeline: reading mappability")
		}
	}
	fp := postable.Fingerprint(refBytes, mappBytes, m.String(), opts.ReadLength, opts.ToolVersion)

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = scratch
	}
	artifactPath := filepath.Join(cacheDir, "postable.bin")

	if t, e, err := postable.Load(artifactPath, fp); err == nil {
		d.Stats.Hits++
		log.Printf("pipeline: reusing cached position table (%s)", artifactPath)
		return t, e, nil
	} else if !kerr.Is(err, kerr.FingerprintMismatch) {
		return nil, nil, err
	}

	d.Stats.Rebuilds++
	log.Printf("pipeline: building position table for mask %s", m.String())

	t, e, err := d.buildTable(opts, m)
	if err != nil {
		return nil, nil, err
	}
	if err := postable.Save(artifactPath, fp, t, e); err != nil {
		log.Error.Printf("pipeline: failed to persist position table: %v", err)
	}
	return t, e, nil
}

func (d *Driver) buildTable(opts Options, m *mask.Mask) (*postable.Table, postable.ExpectedCounts, error) {
	r, err := refseq.Open(opts.ReferencePath)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	var mappReader *mappability.Reader
	if opts.MappabilityPath != "" {
		// Lengths aren't known until each chromosome is scanned once; a
		// first scan-only pass collects them, matching the spec's
		// requirement that mappability be "aligned to the same coordinate
		// space as the reference" without assuming a FASTA index exists.
		lens, err := chromLengths(opts.ReferencePath)
		if err != nil {
			return nil, nil, err
		}
		mappReader, err = mappability.Open(opts.MappabilityPath, opts.ReadLength, lens)
		if err != nil {
			return nil, nil, err
		}
	}

	expected := postable.NewExpectedCounts(m)
	var table postable.Table
	for {
		_, seq, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		var bm mappability.Bitmap
		if mappReader != nil {
			bm, err = mappReader.Chromosome(seq.Name())
			if err != nil {
				return nil, nil, err
			}
		}
		ct, err := postable.BuildChromosome(seq, m, bm, expected)
		if err != nil {
			return nil, nil, err
		}
		table.Chroms = append(table.Chroms, ct)
	}
	return &table, expected, nil
}

// chromLengths does a lightweight pre-pass over the reference to learn
// chromosome lengths, needed to size dense mappability bitmaps before the
// main table-building pass.
func chromLengths(path string) (map[string]int, error) {
	r, err := refseq.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	lens := make(map[string]int)
	for {
		_, seq, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for seq.Scan() {
		}
		if err := seq.Err(); err != nil {
			return nil, err
		}
		lens[seq.Name()] = seq.Len()
	}
	return lens, nil
}

// bindAll runs F over each input alignment file in parallel (spec §4.J
// step 3, §5 "embarrassingly parallel"), merging per-file accumulators by
// sequential reduction once all shards complete (spec §9 "Parallel
// accumulation"), mirroring pileupSNPMain's traverse.Each fan-out.
func (d *Driver) bindAll(opts Options, table *postable.Table, m *mask.Mask) (*binder.Result, error) {
	n := len(opts.AlignmentPaths)
	partials := make([]*binder.Result, n)
	err := parallelChromosomes(n, opts.Parallelism, func(i int) error {
		r, err := d.bindOne(opts.AlignmentPaths[i], table, m, opts)
		if err != nil {
			return err
		}
		partials[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	merged := binder.NewResult(m)
	for _, p := range partials {
		merged.Merge(p)
	}
	return merged, nil
}

func (d *Driver) bindOne(path string, table *postable.Table, m *mask.Mask, opts Options) (*binder.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.IOError, err, "pipeline: opening alignment input "+path)
	}
	defer f.Close()
	r, err := bam.NewReader(f, 1)
	if err != nil {
		return nil, kerr.Wrap(kerr.MalformedAlignment, err, "pipeline: reading BAM header")
	}

	bOpts := binder.Options{
		Mask:        m,
		DupPolicy:   opts.DupPolicy,
		FlagExclude: binder.DefaultFlagExclude,
	}
	if opts.EnforceReadLen {
		bOpts.EnforceReadLength = opts.ReadLength
	}
	if opts.PlusOffsetOverride != nil && opts.MinusOffsetOverride != nil {
		bOpts.Mask = m.WithOffsetOverride(*opts.PlusOffsetOverride, *opts.MinusOffsetOverride)
	}
	result := binder.NewResult(m)
	if err := binder.Bind(r, table, bOpts, result, opts.MalformedLimit); err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Driver) emitSignal(table *postable.Table, result *binder.Result, sv scale.Vector, m *mask.Mask, opts Options) error {
	sigOpts := signal.Options{Stranded: opts.Stranded, Scaled: true}
	if opts.Stranded {
		plusPath := opts.OutPrefix + ".plus.wig"
		minusPath := opts.OutPrefix + ".minus.wig"
		pf, err := os.Create(plusPath)
		if err != nil {
			return kerr.Wrap(kerr.IOError, err, "pipeline: creating plus-strand signal output")
		}
		defer pf.Close()
		mf, err := os.Create(minusPath)
		if err != nil {
			return kerr.Wrap(kerr.IOError, err, "pipeline: creating minus-strand signal output")
		}
		defer mf.Close()
		if err := signal.WritePlusMinus(pf, mf, table, result, sv, m, sigOpts); err != nil {
			return err
		}
		return runConverterIfConfigured(opts, plusPath, minusPath)
	}
	path := opts.OutPrefix + ".wig"
	f, err := os.Create(path)
	if err != nil {
		return kerr.Wrap(kerr.IOError, err, "pipeline: creating signal output")
	}
	defer f.Close()
	if err := signal.WriteUnstranded(f, table, result, sv, m, sigOpts); err != nil {
		return err
	}
	return runConverterIfConfigured(opts, path)
}

// runConverterIfConfigured shells out to the external signal-to-binary
// converter (spec §6: "The driver may invoke an external utility to
// produce a compressed binary signal file from this text"). No pack repo
// shells out to an external tool; os/exec is the straightforward stdlib
// expression of this one CLI-facing integration point (see DESIGN.md).
func runConverterIfConfigured(opts Options, wigPaths ...string) error {
	if opts.ConverterPath == "" {
		return nil
	}
	cmd := exec.Command(opts.ConverterPath, append([]string{opts.ReferencePath}, wigPaths...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return kerr.Wrap(kerr.IOError, err, "pipeline: external signal converter failed")
	}
	return nil
}

// parallelChromosomes runs fn for every index in [0, n) across at most
// parallelism workers, mirroring pileupSNPMain's traverse.Each(parallelism,
// ...) shape; bindAll uses it to fan out over alignment files.
func parallelChromosomes(n, parallelism int, fn func(i int) error) error {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > n {
		parallelism = n
	}
	if parallelism <= 0 {
		return nil
	}
	return traverse.Each(parallelism, func(jobIdx int) error {
		start := (jobIdx * n) / parallelism
		end := ((jobIdx + 1) * n) / parallelism
		for i := start; i < end; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	})
}
