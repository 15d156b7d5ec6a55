package lib

import (
	"github.com/pkg/errors"
)

var errAckOutOfRange = errors.New("ack outside snd_una..snd_max")

// emitFunc puts one segment on the wire. The connection fills in the ack
// number, window and addressing.
type emitFunc func(seq uint32, flags uint8, payload []byte)

type retransmitConfig struct {
	ticks          int // countdown for a fresh segment
	maxRetransmits int
}

// outChannel owns the send side: the sequence counters, the send buffer
// and the list of segments waiting to be acknowledged.
type outChannel struct {
	iss    uint32
	sndUna uint32
	sndNxt uint32
	sndMax uint32
	bufSeq uint32 // sequence number of buf's first byte

	buf     *DataBuffer
	unacked []*outSegment
	finSent bool

	emit emitFunc
	rto  retransmitConfig
}

func newOutChannel(capacity int, rto retransmitConfig, emit emitFunc) *outChannel {
	return &outChannel{
		buf:  NewDataBuffer(capacity),
		emit: emit,
		rto:  rto,
	}
}

func (o *outChannel) initISN(iss uint32) {
	o.iss = iss
	o.sndUna = iss
	o.sndNxt = iss
	o.sndMax = iss
	o.bufSeq = SeqIncrement(iss)
}

// rewind resets snd_nxt to snd_una so a SYN can be sent again with the
// same sequence number.
func (o *outChannel) rewind() {
	o.sndNxt = o.sndUna
	o.sndMax = o.sndUna
}

// send emits a control segment with no payload. It is placed after the
// data already in the send buffer.
func (o *outChannel) send(flags uint8) {
	o.transmit(flags, nil, o.buf.Used())
}

// sendData copies payload into the send buffer and emits it. The caller
// must have checked there is room.
func (o *outChannel) sendData(flags uint8, payload []byte) error {
	off, err := o.buf.Add(payload)
	if err != nil {
		return err
	}
	o.transmit(flags, payload, off)
	return nil
}

func (o *outChannel) transmit(flags uint8, payload []byte, off int) {
	seg := &outSegment{
		seq:        o.sndNxt,
		flags:      flags,
		dataOffset: off,
		length:     len(payload),
		countdown:  o.rto.ticks,
		backoff:    1,
	}
	if flags&RSTFlag == 0 {
		o.sndNxt = seg.end()
		if GT(o.sndNxt, o.sndMax) {
			o.sndMax = o.sndNxt
		}
	}
	if flags&FINFlag != 0 {
		o.finSent = true
	}
	if needsRetransmit(flags, len(payload)) {
		o.unacked = append(o.unacked, seg)
	}
	o.emit(seg.seq, flags, payload)
}

// processAck advances snd_una to ack, frees the acknowledged bytes and
// retires the segments they cover. It reports whether anything moved.
func (o *outChannel) processAck(ack uint32) (bool, error) {
	if ack == o.sndUna {
		return false, nil
	}
	if !LT(o.sndUna, ack) || !LE(ack, o.sndMax) {
		return false, errors.Wrapf(errAckOutOfRange, "ack=%d una=%d max=%d", ack, o.sndUna, o.sndMax)
	}
	o.sndUna = ack

	freed := int(SeqDiff(o.bufSeq, ack))
	if freed > o.buf.Used() {
		freed = o.buf.Used()
	}
	if freed > 0 {
		o.buf.Pull(freed)
		o.bufSeq = SeqIncrementBy(o.bufSeq, uint32(freed))
	} else {
		freed = 0
	}

	kept := o.unacked[:0]
	for _, s := range o.unacked {
		if LE(s.end(), ack) {
			continue
		}
		if LT(s.seq, ack) {
			cut := int(SeqDiff(s.seq, ack))
			if s.flags&SYNFlag != 0 {
				s.flags &^= SYNFlag
				cut--
			}
			s.seq = ack
			s.length -= cut
			s.dataOffset += cut
		}
		s.dataOffset -= freed
		kept = append(kept, s)
	}
	for i := len(kept); i < len(o.unacked); i++ {
		o.unacked[i] = nil
	}
	o.unacked = kept
	return true, nil
}

// timeout runs one retransmission tick. It returns the number of segments
// resent and whether one of them has used up its retransmissions.
func (o *outChannel) timeout() (resent int, giveUp bool) {
	for _, s := range o.unacked {
		s.countdown--
		if s.countdown > 0 {
			continue
		}
		if s.resends >= o.rto.maxRetransmits {
			return resent, true
		}
		o.emit(s.seq, s.flags, o.buf.Bytes(s.dataOffset, s.length))
		s.resends++
		s.backoff *= 2
		s.countdown = o.rto.ticks * s.backoff
		resent++
	}
	return resent, false
}

// allAcked is true when nothing sent is outstanding.
func (o *outChannel) allAcked() bool {
	return o.sndUna == o.sndMax
}

func (o *outChannel) finAcked() bool {
	return o.finSent && o.allAcked()
}

// reset drops everything outstanding.
func (o *outChannel) reset() {
	o.unacked = nil
	o.buf.Pull(o.buf.Used())
}
