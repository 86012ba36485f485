// Package digest provides the non-cryptographic digests used for ledger audit display.
//
// Nothing here is a security boundary. The only contract is that a digest is a pure
// function of its ordered input: the same sequence always yields the same value and
// reordering the sequence changes it.
package digest

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// chainSeed is the starting value of an aggregate so an empty ledger has a stable digest.
const chainSeed = "fusion-genesis"

// Function computes record and aggregate digests.
type Function interface {
	// Record digests the given fields in order.
	Record(fields ...string) string

	// Aggregate folds an ordered sequence of record digests into one value.
	Aggregate(digests []string) string
}

// XXHash implements Function on top of 64-bit xxHash.
type XXHash struct{}

// Default returns the digest function used when none is configured.
func Default() Function {
	return XXHash{}
}

// Record hashes each field behind its byte length ("<len>:<field>"), so no
// content inside a field can shift a boundary.
func (XXHash) Record(fields ...string) string {
	d := xxhash.New()
	for _, f := range fields {
		_, _ = d.WriteString(strconv.Itoa(len(f)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(f)
	}
	return format(d.Sum64())
}

// Aggregate chains each digest onto the running value, so position matters.
func (XXHash) Aggregate(digests []string) string {
	acc := format(xxhash.Sum64String(chainSeed))
	for _, rd := range digests {
		d := xxhash.New()
		_, _ = d.WriteString(acc)
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(rd)
		acc = format(d.Sum64())
	}
	return acc
}

// format renders a 64-bit sum as fixed-width lowercase hex.
func format(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
