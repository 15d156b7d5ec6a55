// Package netlayer provides the packet services a lib.Core runs on: an
// in-memory hub for tests and simulations, a virtual IPv4 link over UDP,
// raw IP sockets, and a pcap tap that can wrap any of them.
package netlayer

import (
	"math/rand"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Clouded-Sabre/vtcp/lib"
)

const defaultQueueLen = 1024

var (
	ErrUnknownHost  = errors.New("no route to host")
	ErrLinkClosed   = errors.New("link closed")
	ErrAddrAttached = errors.New("address already attached to hub")
)

// HubConfig tunes the simulated network.
type HubConfig struct {
	// DropRate is the probability in [0,1) that a packet is lost.
	DropRate float64
	// Seed makes the loss pattern reproducible.
	Seed int64
	// QueueLen bounds each endpoint's delivery queue; overflow is dropped.
	QueueLen int
	Logger   *zerolog.Logger
}

type hubPacket struct {
	segment []byte
	addr    lib.Addressing
}

// Hub is an in-memory packet network. Endpoints attach by address and
// packets between them may be dropped at the configured rate.
type Hub struct {
	mu        sync.Mutex
	endpoints map[netip.Addr]*Endpoint
	dropRate  float64
	rng       *rand.Rand
	queueLen  int
	dropped   uint64
	log       zerolog.Logger
}

func NewHub(config HubConfig) *Hub {
	if config.QueueLen <= 0 {
		config.QueueLen = defaultQueueLen
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "hub").Logger()
	}
	return &Hub{
		endpoints: make(map[netip.Addr]*Endpoint),
		dropRate:  config.DropRate,
		rng:       rand.New(rand.NewSource(config.Seed)),
		queueLen:  config.QueueLen,
		log:       log,
	}
}

// SetDropRate changes the loss probability for packets sent from now on.
func (h *Hub) SetDropRate(rate float64) {
	h.mu.Lock()
	h.dropRate = rate
	h.mu.Unlock()
}

// Dropped reports how many packets the hub has discarded.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Attach creates the endpoint for addr. Nothing is delivered to it until
// Start is called.
func (h *Hub) Attach(addr netip.Addr) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[addr]; ok {
		return nil, errors.Wrapf(ErrAddrAttached, "%s", addr)
	}
	e := &Endpoint{
		hub:         h,
		addr:        addr,
		queue:       make(chan hubPacket, h.queueLen),
		closeSignal: make(chan struct{}),
	}
	h.endpoints[addr] = e
	return e, nil
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	if h.endpoints[e.addr] == e {
		delete(h.endpoints, e.addr)
	}
	h.mu.Unlock()
}

func (h *Hub) route(p hubPacket) error {
	h.mu.Lock()
	dst, ok := h.endpoints[p.addr.Dst]
	lost := h.dropRate > 0 && h.rng.Float64() < h.dropRate
	if ok && lost {
		h.dropped++
	}
	h.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownHost, "%s", p.addr.Dst)
	}
	if lost {
		h.log.Debug().Str("src", p.addr.Src.String()).Str("dst", p.addr.Dst.String()).Int("len", len(p.segment)).Msg("simulated loss")
		return nil
	}
	select {
	case dst.queue <- p:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.log.Debug().Str("dst", p.addr.Dst.String()).Msg("delivery queue full")
	}
	return nil
}

// Endpoint is one host on a Hub. It implements lib.NetworkLayer.
type Endpoint struct {
	hub         *Hub
	addr        netip.Addr
	queue       chan hubPacket
	closeSignal chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
}

func (e *Endpoint) Addr() netip.Addr { return e.addr }

// Transmit copies segment and queues it for the destination endpoint.
func (e *Endpoint) Transmit(addr lib.Addressing, segment []byte) error {
	select {
	case <-e.closeSignal:
		return ErrLinkClosed
	default:
	}
	return e.hub.route(hubPacket{
		segment: append([]byte(nil), segment...),
		addr:    addr,
	})
}

func (e *Endpoint) SourceAddr(netip.Addr) (netip.Addr, error) {
	return e.addr, nil
}

// Start delivers queued packets to handler on a dedicated goroutine.
func (e *Endpoint) Start(handler lib.Handler) {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-e.closeSignal:
					return
				case p := <-e.queue:
					handler(p.segment, p.addr)
				}
			}
		}()
	})
}

// Close detaches the endpoint and stops delivery.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.detach(e)
		close(e.closeSignal)
	})
	e.wg.Wait()
	return nil
}
