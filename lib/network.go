package lib

import (
	"net/netip"
)

// Addressing carries the network-layer fields the transport needs: the
// pair of addresses for demultiplexing and the pseudo header, and the
// protocol number.
type Addressing struct {
	Src, Dst netip.Addr
	Protocol uint8
}

// NetworkLayer is the unreliable packet service below the transport.
// Transmit may drop, delay or reorder; it must not block for long.
type NetworkLayer interface {
	Transmit(addr Addressing, segment []byte) error
	// SourceAddr picks the local address used to reach dst.
	SourceAddr(dst netip.Addr) (netip.Addr, error)
}

// Handler is what a network layer calls for every packet addressed to the
// transport. Core.Receive satisfies it.
type Handler func(segment []byte, addr Addressing)
