// Package cache is the Artifact Cache (spec §4.I): it content-fingerprints
// inputs, and persists/reloads artifacts (the Position Table, the
// Expected-Counts vector) keyed by that fingerprint, atomically. Grounded
// directly on spec §6's artifact layout (16-byte magic, version byte,
// 128-bit fingerprint); the FastHash xxhash helper is grounded on
// sarat-asymmetrica-genomevedic's use of cespare/xxhash/v2 as a cheap
// hash.
package cache

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/guertinlab/seqoutbias/kerr"
)

// Fingerprint is the 128-bit content fingerprint spec §4.E/§6 requires
// artifact headers to carry.
type Fingerprint [16]byte

// Compute derives a Fingerprint from an ordered list of content parts
// (reference bytes digest, mask string, read length, mappability file
// bytes digest, tool version), matching spec §4.E: "derived from
// (reference bytes, mask string, read length, mappability file bytes,
// tool version)".
func Compute(parts ...[]byte) Fingerprint {
	h := md5.New()
	for _, p := range parts {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// FastHash is a cheap 64-bit mixing of the same parts. Store and Load do not
// consult it: cache hits are decided by the 128-bit Fingerprint alone, and
// no mtime/size sidecar is kept.
func FastHash(parts ...[]byte) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}

const (
	magicSize   = 16
	versionByte = 1
)

var magic = [magicSize]byte{'S', 'O', 'B', 'I', 'A', 'S', 'T', 'B', 'L', 0, 0, 0, 0, 0, 0, 0}

// Header is the fixed header every persisted artifact carries.
type Header struct {
	Fingerprint Fingerprint
}

// WriteHeader writes the magic, version, and fingerprint to w.
func WriteHeader(w io.Writer, h Header) error {
	if _, err := w.Write(magic[:]); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: writing magic")
	}
	if _, err := w.Write([]byte{versionByte}); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: writing version")
	}
	if _, err := w.Write(h.Fingerprint[:]); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: writing fingerprint")
	}
	return nil
}

// ReadHeader reads and validates the magic/version, returning the header.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [magicSize + 1 + 16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, kerr.Wrap(kerr.IOError, err, "cache: reading header")
	}
	if string(buf[:magicSize]) != string(magic[:]) {
		return Header{}, kerr.New(kerr.FingerprintMismatch, "cache: bad magic, artifact is foreign or corrupt")
	}
	if buf[magicSize] != versionByte {
		return Header{}, kerr.Newf(kerr.FingerprintMismatch, "cache: unsupported artifact version %d", buf[magicSize])
	}
	var h Header
	copy(h.Fingerprint[:], buf[magicSize+1:])
	return h, nil
}

// Stats reports cache hit/rebuild counts for a pipeline run (spec §8
// scenario 4's "cache hit counter").
type Stats struct {
	Hits      int
	Rebuilds  int
}

// Store writes body to path via a temp-file-then-rename sequence (spec
// §4.E/§9: "write to temporary file, fsync, rename"), so a reader never
// observes a partially written artifact.
func Store(path string, fp Fingerprint, writeBody func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: creating artifact dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: creating temp artifact")
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()
	if err = WriteHeader(tmp, Header{Fingerprint: fp}); err != nil {
		return err
	}
	if err = writeBody(tmp); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: writing artifact body")
	}
	if err = tmp.Sync(); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: fsync artifact")
	}
	if err = tmp.Close(); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: closing artifact")
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: renaming artifact into place")
	}
	return nil
}

// Load opens path, verifies its fingerprint matches want, and hands the
// remaining body reader to readBody. On any mismatch it returns a
// FingerprintMismatch error (not fatal — callers should rebuild, per spec
// §7: "FingerprintMismatch on artifact load triggers silent rebuild, not
// an error").
func Load(path string, want Fingerprint, readBody func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return kerr.Wrap(kerr.FingerprintMismatch, err, "cache: no existing artifact")
	}
	defer f.Close()
	h, err := ReadHeader(f)
	if err != nil {
		return err
	}
	if h.Fingerprint != want {
		return kerr.New(kerr.FingerprintMismatch, "cache: fingerprint mismatch, artifact is stale")
	}
	if err := readBody(f); err != nil {
		return kerr.Wrap(kerr.IOError, err, "cache: reading artifact body")
	}
	return nil
}
