// Command seqoutbias corrects enzymatic sequence bias in aligned
// sequencing reads, producing k-mer-bias-corrected signal tracks (spec
// §1). Flag layout mirrors cmd/bio-pileup/main.go: flat flag vars feeding
// a single Opts struct handed to the driver.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/guertinlab/seqoutbias/binder"
	"github.com/guertinlab/seqoutbias/kerr"
	"github.com/guertinlab/seqoutbias/mask"
	"github.com/guertinlab/seqoutbias/pipeline"
	"github.com/guertinlab/seqoutbias/scale"
)

const toolVersion = "1"

var (
	maskString      = flag.String("mask", "", "k-mer mask string of N/X/C codes (required)")
	readLength      = flag.Int("read-size", 0, "read length override; required if reads are not uniform length and -enforce-read-length is set")
	mappability     = flag.String("mappability", "", "mappability input path (bitmap or interval-list form)")
	out             = flag.String("out", "seqoutbias", "output path prefix")
	scratchDir      = flag.String("scratch-dir", "", "scratch/output directory (default: a temp dir removed on exit)")
	cacheDir        = flag.String("cache-dir", "", "artifact cache directory (default: scratch dir)")
	stranded        = flag.Bool("stranded", false, "emit separate plus/minus strand signal tracks")
	skipSignal      = flag.Bool("no-signal", false, "skip signal track emission; emit only the counts table")
	pseudocount     = flag.Float64("pseudocount", 0, "lower bound applied to a nonzero observed-count denominator")
	scaleFloor      = flag.Float64("scale-floor", 0, "minimum permitted scale factor (requires -scale-ceiling)")
	scaleCeiling    = flag.Float64("scale-ceiling", 0, "maximum permitted scale factor (requires -scale-floor)")
	dupPolicyFlag   = flag.String("dup-policy", "honor-flag", "duplicate policy: honor-flag | collapse-by-position | include-all")
	enforceReadLen  = flag.Bool("enforce-read-length", false, "skip reads whose length doesn't exactly match -read-size")
	plusOffsetFlag  = flag.Int("plus-offset", -1, "override the plus-strand cut-site offset derived from -mask")
	minusOffsetFlag = flag.Int("minus-offset", -1, "override the minus-strand cut-site offset derived from -mask")
	converterPath   = flag.String("signal-converter", "", "absolute path to an external fixed-step-to-binary signal converter")
	parallelism     = flag.Int("parallelism", 0, "maximum parallel shards/files; 0 = runtime.NumCPU()")
	singleCutMirror = flag.Bool("single-cut-symmetric", true, "for a single-C mask, mirror the plus-strand offset to derive the minus-strand offset (see spec Open Question)")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -mask=<mask> [options] <reference.fa[.gz]> <alignment.bam> [alignment2.bam ...]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	args := flag.Args()
	if len(args) < 2 {
		log.Fatalf("missing positional arguments: reference path and at least one alignment path are required")
	}
	if *maskString == "" {
		log.Fatalf("-mask is required")
	}

	opts := mask.DefaultParseOpts
	opts.SingleCutSymmetric = *singleCutMirror
	m, err := mask.ParseWithOpts(*maskString, opts)
	if err != nil {
		log.Fatalf("invalid mask: %v (kind=%s)", err, kerr.Classify(err))
	}

	dupPolicy, err := parseDupPolicy(*dupPolicyFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var plusOverride, minusOverride *int
	if *plusOffsetFlag >= 0 || *minusOffsetFlag >= 0 {
		if *plusOffsetFlag < 0 || *minusOffsetFlag < 0 {
			log.Fatalf("-plus-offset and -minus-offset must both be set to override cut-site offsets")
		}
		plusOverride, minusOverride = plusOffsetFlag, minusOffsetFlag
	}

	plan := pipeline.Plan{
		Mask: m,
		Opts: pipeline.Options{
			ReferencePath:  args[0],
			AlignmentPaths: args[1:],
			MaskString:     *maskString,
			ReadLength:     *readLength,
			MappabilityPath: *mappability,
			OutPrefix:      *out,
			ScratchDir:     *scratchDir,
			CacheDir:       *cacheDir,
			Stranded:       *stranded,
			SkipSignal:     *skipSignal,
			ScaleOpts: scale.Options{
				Pseudocount: *pseudocount,
				Floor:       *scaleFloor,
				Ceiling:     *scaleCeiling,
				ClipEnabled: *scaleFloor != 0 || *scaleCeiling != 0,
			},
			DupPolicy:           dupPolicy,
			EnforceReadLen:      *enforceReadLen,
			PlusOffsetOverride:  plusOverride,
			MinusOffsetOverride: minusOverride,
			ConverterPath:       *converterPath,
			Parallelism:         *parallelism,
			ToolVersion:         toolVersion,
		},
	}

	driver := &pipeline.Driver{}
	if err := driver.Run(plan); err != nil {
		log.Fatalf("%v (kind=%s)", err, kerr.Classify(err))
	}
	log.Printf("done: %d cache hit(s), %d rebuild(s)", driver.Stats.Hits, driver.Stats.Rebuilds)
}

func parseDupPolicy(s string) (binder.DupPolicy, error) {
	switch strings.ToLower(s) {
	case "honor-flag", "":
		return binder.HonorFlag, nil
	case "collapse-by-position":
		return binder.CollapseByPosition, nil
	case "include-all":
		return binder.IncludeAll, nil
	default:
		return 0, kerr.Newf(kerr.InvalidMask, "unrecognized -dup-policy %q", s)
	}
}
