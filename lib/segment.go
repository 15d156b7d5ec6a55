package lib

// outSegment is an entry on the unacknowledged list. The payload is not
// copied: it lives in the send buffer at dataOffset for as long as the
// segment is outstanding.
type outSegment struct {
	seq        uint32
	flags      uint8
	dataOffset int
	length     int
	countdown  int // ticks until the next resend
	backoff    int
	resends    int
}

func (s *outSegment) seqLen() uint32 {
	n := uint32(s.length)
	if s.flags&SYNFlag != 0 {
		n++
	}
	if s.flags&FINFlag != 0 {
		n++
	}
	return n
}

func (s *outSegment) end() uint32 {
	return SeqIncrementBy(s.seq, s.seqLen())
}

// needsRetransmit reports whether a segment with these flags and payload
// length goes on the unacknowledged list. Pure ACKs and RSTs are never
// resent; a bare SYN is resent by the connect loop instead.
func needsRetransmit(flags uint8, length int) bool {
	switch {
	case flags&RSTFlag != 0:
		return false
	case flags == ACKFlag && length == 0:
		return false
	case flags == SYNFlag && length == 0:
		return false
	}
	return true
}
