package netlayer

import (
	"bytes"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/vtcp/lib"
)

func TestFrameIPv4(t *testing.T) {
	addr := lib.Addressing{Src: hostA, Dst: hostB, Protocol: 6}
	seg := lib.Segment{SrcPort: 1000, DstPort: 7, SeqNr: 1, Flags: lib.SYNFlag}
	b, err := frameIPv4(addr, seg.Marshal(addr))
	if err != nil {
		t.Fatal(err)
	}

	hdr, payload, err := unframeIPv4(b)
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if hdr.Src != hostA || hdr.Dst != hostB || hdr.Protocol != 6 || hdr.TTL != defaultTTL {
		t.Errorf("header %+v", hdr)
	}
	if _, err := lib.ParseSegment(payload, addr); err != nil {
		t.Errorf("segment inside the frame: %v", err)
	}

	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatalf("gopacket cannot decode frame: %v", pkt.ErrorLayer())
	}
	if !ip.SrcIP.Equal(hostA.AsSlice()) || ip.Protocol != layers.IPProtocolTCP || int(ip.Length) != len(b) {
		t.Errorf("gopacket sees src=%s proto=%s len=%d", ip.SrcIP, ip.Protocol, ip.Length)
	}
	if pkt.Layer(layers.LayerTypeTCP) == nil {
		t.Error("TCP layer not decoded")
	}

	b[8]-- // TTL
	if _, _, err := unframeIPv4(b); err == nil {
		t.Error("corrupted header accepted")
	}
	if _, _, err := unframeIPv4(b[:10]); err == nil {
		t.Error("truncated header accepted")
	}
}

func newLoopbackLink(t *testing.T, addr netip.Addr) *UDPLink {
	t.Helper()
	link, err := NewUDPLink(UDPLinkConfig{
		Addr:   addr,
		Listen: netip.MustParseAddrPort("127.0.0.1:0"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return link
}

func TestUDPLinkEcho(t *testing.T) {
	linkA := newLoopbackLink(t, hostA)
	linkB := newLoopbackLink(t, hostB)
	linkA.AddNeighbor(hostB, linkB.LocalUDP())
	linkB.AddNeighbor(hostA, linkA.LocalUDP())

	if _, err := linkA.SourceAddr(netip.MustParseAddr("10.9.9.9")); !errors.Is(err, ErrUnknownHost) {
		t.Errorf("source address for unknown host: %v", err)
	}

	client, err := lib.NewCore(fastConfig(), linkA)
	if err != nil {
		t.Fatal(err)
	}
	server, err := lib.NewCore(fastConfig(), linkB)
	if err != nil {
		t.Fatal(err)
	}
	linkA.Start(client.Receive)
	linkB.Start(server.Receive)
	t.Cleanup(func() {
		client.Close()
		server.Close()
		linkA.Close()
		linkB.Close()
	})

	listener, err := server.Listen(netip.AddrPortFrom(hostB, 9000))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()

	conn, err := client.Dial(netip.AddrPortFrom(hostB, 9000))
	if err != nil {
		t.Fatal(err)
	}
	msg := bytes.Repeat([]byte("over udp "), 500)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(msg) && time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo mismatch: got %d bytes", len(got))
	}
	conn.Close()
}
