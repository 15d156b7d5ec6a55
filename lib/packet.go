package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// Segment is a decoded transport segment. Payload aliases the buffer it
// was parsed from.
type Segment struct {
	SrcPort, DstPort uint16
	SeqNr, AckNr     uint32
	HeaderLen        int // bytes, options included
	Flags            uint8
	Window           uint16
	Checksum         uint16
	UrgentPtr        uint16
	Payload          []byte
}

func (s *Segment) Has(flag uint8) bool {
	return s.Flags&flag != 0
}

// SeqLen is the amount of sequence space the segment occupies.
func (s *Segment) SeqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.Has(SYNFlag) {
		n++
	}
	if s.Has(FINFlag) {
		n++
	}
	return n
}

func (s *Segment) String() string {
	return fmt.Sprintf("%d->%d [%s] seq=%d ack=%d win=%d len=%d",
		s.SrcPort, s.DstPort, flagString(s.Flags), s.SeqNr, s.AckNr, s.Window, len(s.Payload))
}

// ParseSegment decodes b. Options are skipped using the header length
// field. A non-zero checksum must verify against the pseudo header built
// from addr.
func ParseSegment(b []byte, addr Addressing) (*Segment, error) {
	if len(b) < TcpHeaderLength {
		return nil, errors.Wrapf(ErrMalformed, "segment of %d bytes", len(b))
	}
	hdr := header.TCP(b)
	hlen := int(hdr.DataOffset())
	if hlen < TcpHeaderLength || hlen > len(b) || hlen > TcpHeaderLength+TcpOptionsMaxLength {
		return nil, errors.Wrapf(ErrMalformed, "header length %d in %d byte segment", hlen, len(b))
	}

	s := &Segment{
		SrcPort:   hdr.SourcePort(),
		DstPort:   hdr.DestinationPort(),
		SeqNr:     hdr.SequenceNumber(),
		AckNr:     hdr.AckNumber(),
		HeaderLen: hlen,
		Flags:     uint8(hdr.Flags()),
		Window:    hdr.WindowSize(),
		Checksum:  hdr.Checksum(),
		UrgentPtr: binary.BigEndian.Uint16(b[18:20]),
		Payload:   b[hlen:],
	}
	if s.Checksum != 0 && !VerifyChecksum(b, addr) {
		return s, errors.Wrapf(ErrChecksum, "segment %s", s)
	}
	return s, nil
}

// Marshal encodes s with a 20-byte header and fills in the checksum. The
// returned slice is freshly allocated.
func (s *Segment) Marshal(addr Addressing) []byte {
	frameLen := TcpHeaderLength + len(s.Payload)
	// leading room for the pseudo header so the checksum runs over one slice
	buffer := make([]byte, TcpPseudoHeaderLength+frameLen)
	frame := buffer[TcpPseudoHeaderLength:]

	header.TCP(frame).Encode(&header.TCPFields{
		SrcPort:       s.SrcPort,
		DstPort:       s.DstPort,
		SeqNum:        s.SeqNr,
		AckNum:        s.AckNr,
		DataOffset:    TcpHeaderLength,
		Flags:         s.Flags,
		WindowSize:    s.Window,
		Checksum:      0,
		UrgentPointer: s.UrgentPtr,
	})
	copy(frame[TcpHeaderLength:], s.Payload)

	assemblePseudoHeader(buffer[:TcpPseudoHeaderLength], addr, uint16(frameLen))
	s.Checksum = CalculateChecksum(buffer)
	binary.BigEndian.PutUint16(frame[16:18], s.Checksum)
	s.HeaderLen = TcpHeaderLength
	return frame
}

// CalculateChecksum is the Internet checksum of buffer.
func CalculateChecksum(buffer []byte) uint16 {
	return ^header.Checksum(buffer, 0)
}

// VerifyChecksum checks an encoded segment against its pseudo header. A
// zero checksum field means the sender did not compute one.
func VerifyChecksum(segment []byte, addr Addressing) bool {
	if len(segment) < TcpHeaderLength {
		return false
	}
	if binary.BigEndian.Uint16(segment[16:18]) == 0 {
		return true
	}
	var pseudo [TcpPseudoHeaderLength]byte
	assemblePseudoHeader(pseudo[:], addr, uint16(len(segment)))
	sum := header.Checksum(pseudo[:], 0)
	return header.Checksum(segment, sum) == 0xffff
}

// assemblePseudoHeader writes src, dst, zero, protocol, length.
func assemblePseudoHeader(buffer []byte, addr Addressing, frameLength uint16) {
	src := as4(addr.Src)
	dst := as4(addr.Dst)
	copy(buffer[0:4], src[:])
	copy(buffer[4:8], dst[:])
	buffer[8] = 0
	buffer[9] = addr.Protocol
	binary.BigEndian.PutUint16(buffer[10:12], frameLength)
}

func as4(a netip.Addr) [4]byte {
	a = a.Unmap()
	if !a.Is4() {
		return [4]byte{}
	}
	return a.As4()
}

// GenerateISN returns a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, errors.Wrap(err, "generate ISN")
	}
	return isn, nil
}
