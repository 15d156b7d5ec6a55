package netlayer

import (
	"net"
	"net/netip"
	"sync"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Clouded-Sabre/vtcp/lib"
)

const (
	defaultTTL   = 16
	maxDatagram  = 1 << 16
	readDeadline = 500 * time.Millisecond
)

// UDPLinkConfig describes one host on a virtual IPv4 network carried in
// UDP datagrams.
type UDPLinkConfig struct {
	// Addr is the host's virtual IP.
	Addr netip.Addr
	// Listen is the UDP address datagrams arrive on.
	Listen netip.AddrPort
	// Neighbors maps virtual IPs to the UDP addresses that serve them.
	Neighbors map[netip.Addr]netip.AddrPort
	Logger    *zerolog.Logger
}

// UDPLink frames segments in IPv4 headers and sends them to the UDP
// address of the destination's neighbor entry.
type UDPLink struct {
	addr      netip.Addr
	conn      *net.UDPConn
	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort
	log       zerolog.Logger

	closeSignal chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
}

func NewUDPLink(config UDPLinkConfig) (*UDPLink, error) {
	if !config.Addr.Is4() {
		return nil, errors.Errorf("virtual address %s is not IPv4", config.Addr)
	}
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(config.Listen))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", config.Listen)
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}
	neighbors := make(map[netip.Addr]netip.AddrPort, len(config.Neighbors))
	for ip, udp := range config.Neighbors {
		neighbors[ip] = udp
	}
	return &UDPLink{
		addr:        config.Addr,
		conn:        conn,
		neighbors:   neighbors,
		log:         log.With().Str("link", config.Addr.String()).Logger(),
		closeSignal: make(chan struct{}),
	}, nil
}

// Addr is the host's virtual IP.
func (l *UDPLink) Addr() netip.Addr { return l.addr }

// LocalUDP is the UDP address the link receives on.
func (l *UDPLink) LocalUDP() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddNeighbor routes packets for ip to the UDP address udp.
func (l *UDPLink) AddNeighbor(ip netip.Addr, udp netip.AddrPort) {
	l.mu.Lock()
	l.neighbors[ip] = udp
	l.mu.Unlock()
}

func (l *UDPLink) neighbor(ip netip.Addr) (netip.AddrPort, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	udp, ok := l.neighbors[ip]
	return udp, ok
}

func (l *UDPLink) SourceAddr(dst netip.Addr) (netip.Addr, error) {
	if _, ok := l.neighbor(dst); !ok {
		return netip.Addr{}, errors.Wrapf(ErrUnknownHost, "%s", dst)
	}
	return l.addr, nil
}

func (l *UDPLink) Transmit(addr lib.Addressing, segment []byte) error {
	udp, ok := l.neighbor(addr.Dst)
	if !ok {
		return errors.Wrapf(ErrUnknownHost, "%s", addr.Dst)
	}
	packet, err := frameIPv4(addr, segment)
	if err != nil {
		return err
	}
	if _, err := l.conn.WriteToUDPAddrPort(packet, udp); err != nil {
		return errors.Wrapf(err, "send to %s via %s", addr.Dst, udp)
	}
	return nil
}

// frameIPv4 prepends an IPv4 header with a valid header checksum.
func frameIPv4(addr lib.Addressing, segment []byte) ([]byte, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: ipv4header.HeaderLen + len(segment),
		TTL:      defaultTTL,
		Protocol: int(addr.Protocol),
		Src:      addr.Src,
		Dst:      addr.Dst,
		Options:  []byte{},
	}
	b, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}
	hdr.Checksum = int(header.Checksum(b, 0) ^ 0xffff)
	if b, err = hdr.Marshal(); err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}
	return append(b, segment...), nil
}

// unframeIPv4 validates an IPv4 packet and returns its header and payload.
func unframeIPv4(b []byte) (*ipv4header.IPv4Header, []byte, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse IPv4 header")
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return nil, nil, errors.Errorf("bad IPv4 lengths: header %d total %d frame %d", hdr.Len, hdr.TotalLen, len(b))
	}
	if sum := header.Checksum(b[:hdr.Len], 0); sum != 0xffff {
		return nil, nil, errors.Errorf("IPv4 header checksum %#04x", sum)
	}
	return hdr, b[hdr.Len:hdr.TotalLen], nil
}

// Start runs the receive loop, handing every packet addressed to this
// host to handler.
func (l *UDPLink) Start(handler lib.Handler) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.receiveLoop(handler)
	})
}

func (l *UDPLink) receiveLoop(handler lib.Handler) {
	defer l.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-l.closeSignal:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-l.closeSignal:
				return
			default:
			}
			l.log.Error().Err(err).Msg("read failed")
			continue
		}

		hdr, payload, err := unframeIPv4(buf[:n])
		if err != nil {
			l.log.Debug().Err(err).Str("from", from.String()).Msg("dropping datagram")
			continue
		}
		if hdr.Dst != l.addr {
			l.log.Debug().Str("dst", hdr.Dst.String()).Msg("not for this host")
			continue
		}
		// payload aliases buf, which the next read overwrites
		segment := append([]byte(nil), payload...)
		handler(segment, lib.Addressing{Src: hdr.Src, Dst: hdr.Dst, Protocol: uint8(hdr.Protocol)})
	}
}

func (l *UDPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeSignal)
		err = l.conn.Close()
	})
	l.wg.Wait()
	return err
}
