package netlayer

import (
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Clouded-Sabre/vtcp/lib"
)

// RawIPLinkConfig configures a raw IP socket. Opening one needs
// CAP_NET_RAW.
type RawIPLinkConfig struct {
	// Addr is the local address; the unspecified address receives on all.
	Addr     netip.Addr
	Protocol uint8
	// Filter installs kernel RST drop rules; nil disables filtering.
	Filter PacketFilterer
	// RuleDelay is how long to wait for a new rule to take effect.
	RuleDelay time.Duration
	Logger    *zerolog.Logger
}

type filterRule struct {
	ip        netip.Addr
	port      uint16
	direction Direction
}

// RawIPLink sends and receives segments on a raw IPv4 socket; the kernel
// adds and strips the IP header.
type RawIPLink struct {
	config RawIPLinkConfig
	conn   net.PacketConn
	log    zerolog.Logger

	mu    sync.Mutex
	rules map[filterRule]struct{}

	routeMu     sync.Mutex
	routes      map[netip.Addr]netip.Addr // peer -> local source address
	lookupRoute func(dst netip.Addr) (netip.Addr, error)

	closeSignal chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
}

func NewRawIPLink(config RawIPLinkConfig) (*RawIPLink, error) {
	if config.Protocol == 0 {
		config.Protocol = lib.DefaultProtocolID
	}
	if !config.Addr.IsValid() {
		config.Addr = netip.IPv4Unspecified()
	}
	network := "ip4:" + strconv.Itoa(int(config.Protocol))
	conn, err := net.ListenPacket(network, config.Addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s on %s", network, config.Addr)
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}
	return &RawIPLink{
		config:      config,
		conn:        conn,
		log:         log.With().Str("link", network).Logger(),
		rules:       make(map[filterRule]struct{}),
		routes:      make(map[netip.Addr]netip.Addr),
		lookupRoute: routeSource,
		closeSignal: make(chan struct{}),
	}, nil
}

// Protect keeps the kernel from resetting traffic on a port: for Client
// the port is the remote server's, for Server it is a local listening port.
func (l *RawIPLink) Protect(ip netip.Addr, port uint16, direction Direction) error {
	if l.config.Filter == nil {
		return nil
	}
	rule := filterRule{ip, port, direction}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rules[rule]; ok {
		return nil
	}
	if err := l.config.Filter.AddRule(ip, port, direction); err != nil {
		return err
	}
	l.rules[rule] = struct{}{}
	time.Sleep(l.config.RuleDelay)
	return nil
}

// SourceAddr returns the configured address, or for a wildcard link the
// route's source address toward dst, remembered per peer.
func (l *RawIPLink) SourceAddr(dst netip.Addr) (netip.Addr, error) {
	if !l.config.Addr.IsUnspecified() {
		return l.config.Addr, nil
	}
	l.routeMu.Lock()
	defer l.routeMu.Unlock()
	if src, ok := l.routes[dst]; ok {
		return src, nil
	}
	src, err := l.lookupRoute(dst)
	if err != nil {
		return netip.Addr{}, err
	}
	l.routes[dst] = src
	return src, nil
}

// routeSource asks the kernel which local address routes to dst. A
// connected UDP socket reveals it without sending anything.
func routeSource(dst netip.Addr) (netip.Addr, error) {
	probe, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "route to %s", dst)
	}
	defer probe.Close()
	return probe.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

func (l *RawIPLink) Transmit(addr lib.Addressing, segment []byte) error {
	if _, err := l.conn.WriteTo(segment, &net.IPAddr{IP: addr.Dst.AsSlice()}); err != nil {
		return errors.Wrapf(err, "raw send to %s", addr.Dst)
	}
	return nil
}

// Start runs the receive loop. Datagrams carry no destination address,
// so the configured local address is reported; with a wildcard socket the
// route's source address toward the sender stands in for it.
func (l *RawIPLink) Start(handler lib.Handler) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.receiveLoop(handler)
	})
}

func (l *RawIPLink) receiveLoop(handler lib.Handler) {
	defer l.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-l.closeSignal:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, from, err := l.conn.ReadFrom(buf)
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
		ipAddr, ok := from.(*net.IPAddr)
		if !ok {
			continue
		}
		src, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			continue
		}
		src = src.Unmap()
		dst, err := l.SourceAddr(src)
		if err != nil {
			l.log.Debug().Err(err).Msg("no local address for sender")
			continue
		}
		segment := append([]byte(nil), buf[:n]...)
		handler(segment, lib.Addressing{Src: src, Dst: dst, Protocol: l.config.Protocol})
	}
}

// Close stops the receive loop and removes every rule Protect installed.
func (l *RawIPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeSignal)
		err = l.conn.Close()
		l.mu.Lock()
		for rule := range l.rules {
			if rerr := l.config.Filter.RemoveRule(rule.ip, rule.port, rule.direction); rerr != nil {
				l.log.Warn().Err(rerr).Msg("filter rule removal failed")
			}
		}
		l.rules = nil
		l.mu.Unlock()
	})
	l.wg.Wait()
	return err
}
