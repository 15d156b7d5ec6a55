package lib

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
)

func newTestInChannel(capacity int) *inChannel {
	in := newInChannel(capacity, newPayloadPool(16, 256, zerolog.Nop()))
	in.initISN(999) // rcv_nxt = 1000
	return in
}

func dataSeg(seq uint32, payload string) *Segment {
	return &Segment{SeqNr: seq, Flags: ACKFlag, Payload: []byte(payload)}
}

func TestInChannelReassembly(t *testing.T) {
	in := newTestInChannel(1024)

	if advanced, _ := in.processData(dataSeg(1000, "ABCDE")); !advanced || in.rcvNxt != 1005 {
		t.Fatalf("first segment: advanced=%t rcv_nxt=%d", advanced, in.rcvNxt)
	}

	advanced, ack := in.processData(dataSeg(1010, "KLMNO"))
	if advanced || !ack {
		t.Fatalf("out-of-order arrival: advanced=%t ack=%t", advanced, ack)
	}
	if in.rcvNxt != 1005 || in.available() != 5 || len(in.held) != 1 {
		t.Fatalf("after hold: rcv_nxt=%d available=%d held=%d", in.rcvNxt, in.available(), len(in.held))
	}

	advanced, ack = in.processData(dataSeg(1005, "FGHIJ"))
	if !advanced || !ack {
		t.Fatalf("gap filled: advanced=%t ack=%t", advanced, ack)
	}
	if in.rcvNxt != 1015 {
		t.Errorf("rcv_nxt = %d, want 1015", in.rcvNxt)
	}
	if len(in.held) != 0 {
		t.Errorf("holding set should be empty, has %d", len(in.held))
	}
	got := make([]byte, 64)
	n := in.read(got)
	if want := "ABCDEFGHIJKLMNO"; string(got[:n]) != want {
		t.Errorf("delivered %q, want %q", got[:n], want)
	}
	if out := in.pool.outstanding(); out != 0 {
		t.Errorf("%d payload chunks not returned to the pool", out)
	}
}

func TestInChannelRcvNxtNeverDecreases(t *testing.T) {
	in := newInChannel(1024, newPayloadPool(64, 256, zerolog.Nop()))
	in.initISN(999)

	var want []byte
	var segs []*Segment
	for i := 0; i < 20; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 5)
		want = append(want, payload...)
		seg := dataSeg(1000+uint32(5*i), string(payload))
		segs = append(segs, seg, seg)
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

	prev := in.rcvNxt
	for i, seg := range segs {
		in.processData(seg)
		if LT(in.rcvNxt, prev) {
			t.Fatalf("delivery %d (seq %d): rcv_nxt went back from %d to %d", i, seg.SeqNr, prev, in.rcvNxt)
		}
		prev = in.rcvNxt
	}
	if in.rcvNxt != 1100 {
		t.Errorf("rcv_nxt = %d, want 1100", in.rcvNxt)
	}
	got := make([]byte, 256)
	if n := in.read(got); !bytes.Equal(got[:n], want) {
		t.Errorf("delivered %q, want %q", got[:n], want)
	}
}

func TestInChannelDuplicate(t *testing.T) {
	in := newTestInChannel(1024)
	in.processData(dataSeg(1000, "hello"))

	before := append([]byte(nil), in.buf.Bytes(0, in.buf.Used())...)
	advanced, ack := in.processData(dataSeg(1000, "hello"))
	if advanced {
		t.Error("duplicate advanced rcv_nxt")
	}
	if !ack {
		t.Error("duplicate should be re-acknowledged")
	}
	if in.rcvNxt != 1005 {
		t.Errorf("rcv_nxt = %d, want 1005", in.rcvNxt)
	}
	if !bytes.Equal(before, in.buf.Bytes(0, in.buf.Used())) {
		t.Errorf("buffer changed: %q -> %q", before, in.buf.Bytes(0, in.buf.Used()))
	}
}

func TestInChannelOverlapTrimmed(t *testing.T) {
	in := newTestInChannel(1024)
	in.processData(dataSeg(1000, "abc"))
	in.processData(dataSeg(1001, "bcdef"))

	if in.rcvNxt != 1006 {
		t.Fatalf("rcv_nxt = %d, want 1006", in.rcvNxt)
	}
	got := make([]byte, 16)
	if n := in.read(got); string(got[:n]) != "abcdef" {
		t.Errorf("delivered %q, want \"abcdef\"", got[:n])
	}
}

func TestInChannelFin(t *testing.T) {
	in := newTestInChannel(1024)

	fin := &Segment{SeqNr: 1004, Flags: FINFlag | ACKFlag, Payload: []byte("!")}
	in.processData(fin)
	if in.finReceived {
		t.Fatal("FIN beyond rcv_nxt must not be applied yet")
	}

	in.processData(dataSeg(1000, "done"))
	if !in.finReceived {
		t.Fatal("FIN should be applied by the cascade")
	}
	if in.rcvNxt != 1006 {
		t.Errorf("rcv_nxt = %d, want 1006 (4 data + 1 data + FIN)", in.rcvNxt)
	}
	if in.eof() {
		t.Error("eof before the data was read")
	}
	got := make([]byte, 16)
	n := in.read(got)
	if string(got[:n]) != "done!" || !in.eof() {
		t.Errorf("read %q eof=%t", got[:n], in.eof())
	}

	// a retransmitted FIN changes nothing but is acknowledged
	advanced, ack := in.processData(fin)
	if advanced || !ack || in.rcvNxt != 1006 {
		t.Errorf("retransmitted FIN: advanced=%t ack=%t rcv_nxt=%d", advanced, ack, in.rcvNxt)
	}
}

func TestInChannelNoRoom(t *testing.T) {
	in := newTestInChannel(4)
	if advanced, _ := in.processData(dataSeg(1000, "too long")); advanced {
		t.Fatal("segment larger than the free space was accepted")
	}
	if in.rcvNxt != 1000 || in.available() != 0 {
		t.Errorf("rcv_nxt=%d available=%d", in.rcvNxt, in.available())
	}

	// beyond the buffer's reach is not held either
	in.processData(dataSeg(1100, "x"))
	if len(in.held) != 0 {
		t.Errorf("segment outside the window was held")
	}
}

func TestInChannelPureAck(t *testing.T) {
	in := newTestInChannel(64)
	advanced, ack := in.processData(&Segment{SeqNr: 1000, Flags: ACKFlag})
	if advanced || ack {
		t.Errorf("pure ACK: advanced=%t ack=%t, want neither", advanced, ack)
	}
}
