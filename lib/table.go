package lib

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
)

type fourTuple struct {
	local, remote netip.AddrPort
}

// ConnectionTable maps arriving segments to connections. Active
// connections are keyed by 4-tuple, listeners by local address and port;
// a listener bound to the unspecified address matches every local address.
//
// The table never calls into a connection while holding its own lock.
type ConnectionTable struct {
	mu        sync.Mutex
	active    map[fourTuple]*Connection
	listening map[netip.AddrPort]*Connection
	nextID    uint32

	isn   func() (uint32, error)
	ports *PortPool
}

func newConnectionTable(isn func() (uint32, error), ports *PortPool) *ConnectionTable {
	if isn == nil {
		isn = GenerateISN
	}
	return &ConnectionTable{
		active:    make(map[fourTuple]*Connection),
		listening: make(map[netip.AddrPort]*Connection),
		isn:       isn,
		ports:     ports,
	}
}

func (t *ConnectionTable) newID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *ConnectionTable) generateISN() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isn()
}

func (t *ConnectionTable) addListener(c *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listening[c.local]; ok {
		return errors.Wrapf(ErrAddrInUse, "listen on %s", c.local)
	}
	t.listening[c.local] = c
	return nil
}

func (t *ConnectionTable) addActive(c *Connection) error {
	key := fourTuple{c.local, c.remote}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return errors.Wrapf(ErrAddrInUse, "connection %s->%s", c.local, c.remote)
	}
	t.active[key] = c
	return nil
}

// remove drops c from whichever map holds it.
func (t *ConnectionTable) remove(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listening[c.local] == c {
		delete(t.listening, c.local)
	}
	key := fourTuple{c.local, c.remote}
	if t.active[key] == c {
		delete(t.active, key)
	}
}

// lookup finds the connection for a segment sent from remote to local:
// the exact 4-tuple first, then a listener on local, then a wildcard
// listener on local's port.
func (t *ConnectionTable) lookup(local, remote netip.AddrPort) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.active[fourTuple{local, remote}]; ok {
		return c
	}
	if c, ok := t.listening[local]; ok {
		return c
	}
	wildcard := netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	if c, ok := t.listening[wildcard]; ok {
		return c
	}
	return nil
}

// snapshot returns every registered connection.
func (t *ConnectionTable) snapshot() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	conns := make([]*Connection, 0, len(t.active)+len(t.listening))
	for _, c := range t.listening {
		conns = append(conns, c)
	}
	for _, c := range t.active {
		conns = append(conns, c)
	}
	return conns
}

func (t *ConnectionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active) + len(t.listening)
}

// demux hands a decoded segment to its connection. Segments nobody owns
// are answered with a RST, unless they are RSTs themselves.
func (c *Core) demux(seg *Segment, addr Addressing) {
	local := netip.AddrPortFrom(addr.Dst, seg.DstPort)
	remote := netip.AddrPortFrom(addr.Src, seg.SrcPort)

	conn := c.table.lookup(local, remote)
	if conn == nil {
		c.stats.portUnreachable.Add(1)
		c.log.Debug().Str("seg", seg.String()).Str("from", remote.String()).Msg("no connection for segment")
		if !seg.Has(RSTFlag) {
			c.sendReset(seg, addr)
		}
		return
	}
	conn.receive(seg, addr)
}

// sendReset answers seg with a RST built only from seg's own fields.
func (c *Core) sendReset(seg *Segment, addr Addressing) {
	rst := &Segment{
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
	}
	if seg.Has(ACKFlag) {
		rst.SeqNr = seg.AckNr
		rst.Flags = RSTFlag
	} else {
		rst.AckNr = SeqIncrementBy(seg.SeqNr, seg.SeqLen())
		rst.Flags = RSTFlag | ACKFlag
	}
	reply := Addressing{Src: addr.Dst, Dst: addr.Src, Protocol: addr.Protocol}
	c.stats.resetsSent.Add(1)
	c.transmit(rst, reply)
}
