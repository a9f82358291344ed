// Package bioenc provides the 2-bit base encoding and reverse-complement
// helpers shared by refseq, kmer, and postable. The table-driven approach
// mirrors biosimd's packed-base techniques, scoped to this repo's own
// 2-bit alphabet (A=0/C=1/G=2/T=3) rather than the BAM 4-bit nibble domain
// biosimd operates on.
package bioenc

// Base is a 2-bit base code, valid only when the corresponding IsN bit (see
// refseq.Base) is false.
type Base byte

const (
	BaseA Base = 0
	BaseC Base = 1
	BaseG Base = 2
	BaseT Base = 3
)

// asciiToCode maps an uppercase-or-lowercase ASCII base byte to a 2-bit
// code; ambiguity codes other than N, and N itself, map to codeInvalid.
var asciiToCode [256]int8

// codeInvalid marks a byte that is not one of A/C/G/T (case-insensitive).
const codeInvalid = -1

func init() {
	for i := range asciiToCode {
		asciiToCode[i] = codeInvalid
	}
	asciiToCode['A'], asciiToCode['a'] = int8(BaseA), int8(BaseA)
	asciiToCode['C'], asciiToCode['c'] = int8(BaseC), int8(BaseC)
	asciiToCode['G'], asciiToCode['g'] = int8(BaseG), int8(BaseG)
	asciiToCode['T'], asciiToCode['t'] = int8(BaseT), int8(BaseT)
}

// Encode translates an ASCII base byte to (code, ok). ok is false for N and
// any other ambiguity code, which the spec requires to be treated as N.
func Encode(b byte) (Base, bool) {
	c := asciiToCode[b]
	if c == codeInvalid {
		return 0, false
	}
	return Base(c), true
}

// complement maps a 2-bit base code to its complement.
var complement = [4]Base{BaseT, BaseG, BaseC, BaseA}

// Complement returns the complement of a 2-bit base code.
func Complement(b Base) Base { return complement[b&3] }

// ASCII renders a 2-bit base code back to its uppercase ASCII byte.
func ASCII(b Base) byte {
	switch b & 3 {
	case BaseA:
		return 'A'
	case BaseC:
		return 'C'
	case BaseG:
		return 'G'
	default:
		return 'T'
	}
}
