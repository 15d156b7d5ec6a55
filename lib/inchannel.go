package lib

import (
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// heldSegment is an out-of-order arrival waiting for rcv_nxt to reach it.
type heldSegment struct {
	seq   uint32
	fin   bool
	chunk *rp.Element
}

func (h *heldSegment) payload() []byte {
	if h.chunk == nil {
		return nil
	}
	return h.chunk.Data.(*Payload).GetSlice()
}

func (h *heldSegment) end() uint32 {
	n := uint32(len(h.payload()))
	if h.fin {
		n++
	}
	return SeqIncrementBy(h.seq, n)
}

// inChannel reassembles the peer's byte stream.
type inChannel struct {
	rcvNxt      uint32
	buf         *DataBuffer
	held        map[uint32]*heldSegment
	pool        *payloadPool
	finReceived bool
}

func newInChannel(capacity int, pool *payloadPool) *inChannel {
	return &inChannel{
		buf:  NewDataBuffer(capacity),
		held: make(map[uint32]*heldSegment),
		pool: pool,
	}
}

// initISN records the peer's SYN; the SYN itself takes one sequence number.
func (in *inChannel) initISN(seq uint32) {
	in.rcvNxt = SeqIncrement(seq)
}

// processData applies the payload and FIN of seg. It returns advanced when
// rcv_nxt moved and ack when the peer should be sent an acknowledgment.
func (in *inChannel) processData(seg *Segment) (advanced, ack bool) {
	payload := seg.Payload
	fin := seg.Has(FINFlag)
	if len(payload) == 0 && !fin {
		return false, false
	}
	if in.finReceived {
		// everything after the FIN is a retransmission
		return false, true
	}

	seq := seg.SeqNr
	if LT(seq, in.rcvNxt) {
		end := SeqIncrementBy(seq, seg.SeqLen())
		if LE(end, in.rcvNxt) {
			return false, true
		}
		skip := int(SeqDiff(seq, in.rcvNxt))
		payload = payload[skip:]
		seq = in.rcvNxt
	}

	if seq != in.rcvNxt {
		in.hold(seq, payload, fin)
		return false, true
	}

	if !in.apply(payload, fin) {
		return false, true
	}
	in.cascade()
	return true, true
}

// apply appends an in-order payload. It fails when the buffer lacks room.
func (in *inChannel) apply(payload []byte, fin bool) bool {
	if len(payload) > in.buf.Free() {
		return false
	}
	if len(payload) > 0 {
		in.buf.Add(payload)
		in.rcvNxt = SeqIncrementBy(in.rcvNxt, uint32(len(payload)))
	}
	if fin {
		in.rcvNxt = SeqIncrement(in.rcvNxt)
		in.finReceived = true
	}
	return true
}

// hold parks a segment that starts beyond rcv_nxt. Segments outside the
// receive buffer's reach, duplicates of held ones, and anything arriving
// while the payload pool is exhausted are dropped.
func (in *inChannel) hold(seq uint32, payload []byte, fin bool) {
	if _, ok := in.held[seq]; ok {
		return
	}
	if int(SeqDiff(in.rcvNxt, seq))+len(payload) > in.buf.Cap() {
		return
	}
	h := &heldSegment{seq: seq, fin: fin}
	if len(payload) > 0 {
		el, ok := in.pool.get(payload)
		if !ok {
			return
		}
		h.chunk = el
	}
	in.held[seq] = h
}

// cascade applies held segments that have become in-order and drops the
// ones rcv_nxt has passed. It reports whether rcv_nxt moved.
func (in *inChannel) cascade() bool {
	moved := false
	for !in.finReceived {
		h, ok := in.held[in.rcvNxt]
		if !ok || !in.apply(h.payload(), h.fin) {
			break
		}
		in.drop(h)
		moved = true
	}
	for _, h := range in.held {
		if in.finReceived || LE(h.end(), in.rcvNxt) {
			in.drop(h)
		}
	}
	return moved
}

func (in *inChannel) drop(h *heldSegment) {
	delete(in.held, h.seq)
	if h.chunk != nil {
		in.pool.put(h.chunk)
		h.chunk = nil
	}
}

func (in *inChannel) available() int {
	return in.buf.Used()
}

func (in *inChannel) read(dst []byte) int {
	return in.buf.Read(dst, len(dst))
}

// eof is true once the FIN has been applied and everything before it read.
func (in *inChannel) eof() bool {
	return in.finReceived && in.buf.Used() == 0 && len(in.held) == 0
}

func (in *inChannel) window() uint16 {
	free := in.buf.Free()
	if free > MaxWindow {
		return MaxWindow
	}
	return uint16(free)
}

// release returns every held chunk to the pool.
func (in *inChannel) release() {
	for _, h := range in.held {
		in.drop(h)
	}
}
