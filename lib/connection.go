package lib

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connection is one endpoint of a byte stream, or a listener. All of its
// state is guarded by mu; blocked callers park on one of the three
// conditions and every state change wakes them.
type Connection struct {
	id     uint32
	core   *Core
	config *CoreConfig
	log    zerolog.Logger

	local, remote netip.AddrPort
	ephemeral     bool

	mu           sync.Mutex
	readable     *sync.Cond // data, EOF or failure
	writable     *sync.Cond // send buffer space or failure
	stateChanged *sync.Cond // handshake, close, accept queue

	state      State
	in         *inChannel
	out        *outChannel
	peerWindow uint16

	reset   bool
	refused bool
	failure error
	used    bool // listened or connected; a connection is not reusable
	done    bool // torn down

	parent      *Connection
	acceptQueue []*Connection
	timeWait    *time.Timer
}

func newConnection(core *Core, local netip.AddrPort, parent *Connection) *Connection {
	cfg := core.config
	c := &Connection{
		id:     core.table.newID(),
		core:   core,
		config: cfg,
		local:  local,
		parent: parent,
	}
	c.readable = sync.NewCond(&c.mu)
	c.writable = sync.NewCond(&c.mu)
	c.stateChanged = sync.NewCond(&c.mu)
	c.in = newInChannel(cfg.RecvBufferSize, core.pool)
	c.out = newOutChannel(cfg.SendBufferSize, retransmitConfig{
		ticks:          cfg.RetransmitTicks,
		maxRetransmits: cfg.MaxRetransmits,
	}, c.emit)
	c.updateLogger()
	return c
}

// spawnChild builds the connection a listener hands a new peer to. The
// child copies the listener's configuration and nothing else.
func (c *Connection) spawnChild(local, remote netip.AddrPort) *Connection {
	child := newConnection(c.core, local, c)
	child.remote = remote
	child.used = true
	child.updateLogger()
	return child
}

func (c *Connection) updateLogger() {
	ctx := c.core.log.With().Uint32("conn", c.id).Str("local", c.local.String())
	if c.remote.IsValid() {
		ctx = ctx.Str("remote", c.remote.String())
	}
	c.log = ctx.Logger()
}

// emit builds and transmits one segment for the out channel.
func (c *Connection) emit(seq uint32, flags uint8, payload []byte) {
	seg := &Segment{
		SrcPort: c.local.Port(),
		DstPort: c.remote.Port(),
		SeqNr:   seq,
		Flags:   flags,
		Window:  c.in.window(),
		Payload: payload,
	}
	if flags&ACKFlag != 0 {
		seg.AckNr = c.in.rcvNxt
	}
	if flags&RSTFlag != 0 {
		c.core.stats.resetsSent.Add(1)
	}
	c.log.Debug().Str("seg", seg.String()).Msg("send")
	c.core.transmit(seg, Addressing{Src: c.local.Addr(), Dst: c.remote.Addr()})
}

func (c *Connection) sendAck() {
	c.out.send(ACKFlag)
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state change")
	c.state = s
	if s == StateClosed {
		c.teardown()
	}
	c.stateChanged.Broadcast()
}

// teardown unregisters a connection that reached CLOSED and wakes
// everything blocked on it.
func (c *Connection) teardown() {
	if c.done {
		return
	}
	c.done = true
	c.core.table.remove(c)
	if c.timeWait != nil {
		c.timeWait.Stop()
	}
	c.in.release()
	c.out.reset()
	if c.ephemeral {
		c.core.table.ports.returnPort(c.local.Port())
	}
	c.readable.Broadcast()
	c.writable.Broadcast()
}

// fail closes the connection and makes err the answer to every blocked
// and future operation.
func (c *Connection) fail(err error) {
	if c.failure == nil {
		c.failure = err
	}
	c.setState(StateClosed)
}

func (c *Connection) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked(err)
}

// abortLocked tells a synchronized peer to forget the connection, then
// fails it locally.
func (c *Connection) abortLocked(err error) {
	switch c.state {
	case StateClosed:
		return
	case StateListen, StateSynSent:
	default:
		c.out.send(RSTFlag)
	}
	c.fail(err)
}

func (c *Connection) enterTimeWait() {
	c.setState(StateTimeWait)
	c.timeWait = time.AfterFunc(c.config.TimeWait, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateTimeWait {
			c.setState(StateClosed)
		}
	})
}

func (c *Connection) drop(seg *Segment, reason string) {
	c.core.stats.dropped.Add(1)
	c.log.Debug().Str("seg", seg.String()).Stringer("state", c.state).Str("reason", reason).Msg("dropping segment")
}

// receive runs one arriving segment through the state machine.
func (c *Connection) receive(seg *Segment, addr Addressing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug().Str("seg", seg.String()).Stringer("state", c.state).Msg("recv")
	if c.state == StateClosed {
		c.drop(seg, "connection closed")
		return
	}
	if seg.Has(RSTFlag) {
		c.receiveReset(seg)
		return
	}
	if c.state == StateListen {
		c.receiveListen(seg, addr)
		return
	}

	c.peerWindow = seg.Window
	if seg.Has(ACKFlag) {
		moved, err := c.out.processAck(seg.AckNr)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring acknowledgment")
		} else if moved {
			c.writable.Broadcast()
		}
	}

	switch c.state {
	case StateSynSent:
		c.receiveSynSent(seg)
	case StateSynReceived:
		c.receiveSynReceived(seg)
	default:
		c.receiveSynchronized(seg)
	}
}

func (c *Connection) receiveReset(seg *Segment) {
	switch c.state {
	case StateListen:
		c.drop(seg, "reset at listener")
	case StateSynSent:
		if seg.Has(ACKFlag) && seg.AckNr != c.out.sndNxt {
			c.drop(seg, "reset does not acknowledge our SYN")
			return
		}
		c.refused = true
		c.fail(ErrConnectionRefused)
	case StateSynReceived:
		c.refused = true
		c.fail(ErrConnectionRefused)
	default:
		c.log.Info().Stringer("state", c.state).Msg("connection reset by peer")
		c.reset = true
		c.fail(ErrConnectionReset)
	}
}

func (c *Connection) receiveListen(seg *Segment, addr Addressing) {
	switch {
	case seg.Has(ACKFlag):
		c.drop(seg, "ACK at listener")
		c.core.sendReset(seg, addr)
	case seg.Has(SYNFlag):
		if isBroadcastOrMulticast(addr.Dst) {
			c.drop(seg, "SYN to broadcast or multicast address")
			return
		}
		if len(c.acceptQueue) >= c.config.Backlog {
			c.drop(seg, "accept backlog full")
			return
		}
		local := netip.AddrPortFrom(addr.Dst, seg.DstPort)
		remote := netip.AddrPortFrom(addr.Src, seg.SrcPort)
		child := c.spawnChild(local, remote)

		// the child is locked before it becomes reachable through the table
		child.mu.Lock()
		defer child.mu.Unlock()
		if err := c.core.table.addActive(child); err != nil {
			c.drop(seg, err.Error())
			return
		}
		child.synReceived(seg)
	default:
		c.drop(seg, "neither SYN nor ACK at listener")
	}
}

// synReceived starts a spawned child's half of the handshake.
func (c *Connection) synReceived(seg *Segment) {
	isn, err := c.core.table.generateISN()
	if err != nil {
		c.log.Error().Err(err).Msg("cannot answer SYN")
		c.setState(StateClosed)
		return
	}
	c.out.initISN(isn)
	c.in.initISN(seg.SeqNr)
	c.peerWindow = seg.Window
	c.out.send(SYNFlag | ACKFlag)
	c.setState(StateSynReceived)
}

func (c *Connection) receiveSynSent(seg *Segment) {
	if !seg.Has(SYNFlag) {
		c.drop(seg, "expected SYN")
		return
	}
	if seg.Has(ACKFlag) && !c.out.allAcked() {
		c.drop(seg, "SYN-ACK does not acknowledge our SYN")
		return
	}
	c.in.initISN(seg.SeqNr)
	c.sendAck()
	c.setState(StateEstablished)
}

func (c *Connection) receiveSynReceived(seg *Segment) {
	if seg.Has(SYNFlag) && !seg.Has(ACKFlag) {
		// our SYN-ACK went missing
		c.out.emit(c.out.iss, SYNFlag|ACKFlag, nil)
		return
	}
	if !seg.Has(ACKFlag) || c.out.sndUna == c.out.iss {
		c.drop(seg, "expected ACK of our SYN")
		return
	}
	c.setState(StateEstablished)
	c.processData(seg)
	if c.in.finReceived {
		c.setState(StateCloseWait)
	}
	if c.parent != nil && !c.parent.childEstablished(c) {
		c.log.Debug().Msg("listener gone, closing child")
		c.startClose()
	}
}

// childEstablished queues an established child for Accept. It fails when
// the listener has stopped listening.
func (c *Connection) childEstablished(child *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListen {
		return false
	}
	c.acceptQueue = append(c.acceptQueue, child)
	c.stateChanged.Broadcast()
	return true
}

// receiveSynchronized handles every state after the handshake.
func (c *Connection) receiveSynchronized(seg *Segment) {
	if seg.Has(SYNFlag) {
		// a retransmitted SYN-ACK means our ACK was lost
		c.sendAck()
		return
	}
	c.processData(seg)

	fin := c.in.finReceived
	switch c.state {
	case StateEstablished:
		if fin {
			c.setState(StateCloseWait)
		}
	case StateFinWait1:
		switch {
		case fin && c.out.finAcked():
			c.enterTimeWait()
		case fin:
			c.setState(StateClosing)
		case c.out.finAcked():
			c.setState(StateFinWait2)
		}
	case StateFinWait2:
		if fin {
			c.enterTimeWait()
		}
	case StateClosing:
		if c.out.finAcked() {
			c.enterTimeWait()
		}
	case StateLastAck:
		if c.out.finAcked() {
			c.setState(StateClosed)
		}
	}
}

func (c *Connection) processData(seg *Segment) {
	advanced, ack := c.in.processData(seg)
	if advanced {
		c.readable.Broadcast()
	}
	if ack {
		c.sendAck()
	}
}

// timeout is called by the retransmission driver on every tick.
func (c *Connection) timeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed, StateListen:
		return
	}
	resent, giveUp := c.out.timeout()
	if resent > 0 {
		c.core.stats.retransmits.Add(uint64(resent))
	}
	if giveUp {
		c.log.Warn().Stringer("state", c.state).Msg("retransmission limit reached, aborting")
		c.abortLocked(ErrConnectionTimeout)
	}
}

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func isBroadcastOrMulticast(a netip.Addr) bool {
	return a == limitedBroadcast || a.IsMulticast()
}

func (c *Connection) ID() uint32 { return c.id }

func (c *Connection) LocalAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{ID: c.id, Local: c.local, Remote: c.remote, State: c.state}
}

func (c *Connection) String() string {
	info := c.Info()
	return fmt.Sprintf("#%d %s->%s %s", info.ID, info.Local, info.Remote, info.State)
}
