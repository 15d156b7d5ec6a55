package lib

import (
	"github.com/google/netstack/tcpip/seqnum"
)

// Sequence numbers live on a 32-bit circle. Comparisons use the signed
// difference, so a is "before" b when b is less than 2^31 ahead of it.

func SeqIncrement(seq uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(1))
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(seqnum.Size(inc)))
}

// SeqDiff returns b-a as a signed distance.
func SeqDiff(a, b uint32) int32 {
	return int32(b - a)
}

// LT reports whether a is strictly before b.
func LT(a, b uint32) bool {
	return seqnum.Value(a).LessThan(seqnum.Value(b))
}

// LE reports whether a is before or equal to b.
func LE(a, b uint32) bool {
	return seqnum.Value(a).LessThanEq(seqnum.Value(b))
}

func GT(a, b uint32) bool {
	return LT(b, a)
}

func GE(a, b uint32) bool {
	return LE(b, a)
}
