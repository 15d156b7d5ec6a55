package netlayer

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Clouded-Sabre/vtcp/lib"
)

const snapLen = 65536

// Capture records every segment that passes through a network layer as
// raw IPv4 packets in pcap format, readable by tcpdump and Wireshark.
type Capture struct {
	next lib.NetworkLayer
	mu   sync.Mutex
	w    *pcapgo.Writer
	log  zerolog.Logger
	now  func() time.Time
}

// NewCapture writes the pcap file header to w and returns a NetworkLayer
// that records outgoing segments before passing them to next.
func NewCapture(next lib.NetworkLayer, w io.Writer, log zerolog.Logger) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &Capture{next: next, w: pw, log: log, now: time.Now}, nil
}

func (c *Capture) Transmit(addr lib.Addressing, segment []byte) error {
	c.record(addr, segment)
	return c.next.Transmit(addr, segment)
}

func (c *Capture) SourceAddr(dst netip.Addr) (netip.Addr, error) {
	return c.next.SourceAddr(dst)
}

// Handler wraps the receive path so incoming segments are recorded too.
func (c *Capture) Handler(next lib.Handler) lib.Handler {
	return func(segment []byte, addr lib.Addressing) {
		c.record(addr, segment)
		next(segment, addr)
	}
}

func (c *Capture) record(addr lib.Addressing, segment []byte) {
	packet, err := ipv4Packet(addr, segment)
	if err != nil {
		c.log.Debug().Err(err).Msg("capture: cannot frame segment")
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(packet),
		Length:        len(packet),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WritePacket(ci, packet); err != nil {
		c.log.Debug().Err(err).Msg("capture: write failed")
	}
}

func ipv4Packet(addr lib.Addressing, segment []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Protocol: layers.IPProtocol(addr.Protocol),
		SrcIP:    net.IP(addr.Src.AsSlice()),
		DstIP:    net.IP(addr.Dst.AsSlice()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(segment)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
