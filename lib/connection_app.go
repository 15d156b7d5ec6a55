package lib

import (
	"io"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// Listen turns a bound, unused connection into a listener.
func (c *Connection) Listen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used || c.state != StateClosed {
		return errors.Wrapf(ErrInvalidState, "listen in %s", c.state)
	}
	if err := c.core.table.addListener(c); err != nil {
		return err
	}
	c.used = true
	c.setState(StateListen)
	c.log.Info().Msg("listening")
	return nil
}

// Connect performs an active open to remote. Each of the configured
// attempts sends the SYN again and waits up to ConnectTimeout for the
// handshake to complete.
func (c *Connection) Connect(remote netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used || c.state != StateClosed {
		return errors.Wrapf(ErrInvalidState, "connect in %s", c.state)
	}
	if !remote.IsValid() || remote.Port() == 0 {
		return errors.Errorf("connect: invalid remote address %s", remote)
	}
	if c.local.Addr().IsUnspecified() {
		src, err := c.core.network.SourceAddr(remote.Addr())
		if err != nil {
			return errors.Wrapf(err, "connect to %s", remote)
		}
		c.local = netip.AddrPortFrom(src, c.local.Port())
	}
	c.remote = remote
	c.updateLogger()

	isn, err := c.core.table.generateISN()
	if err != nil {
		return err
	}
	if err := c.core.table.addActive(c); err != nil {
		return err
	}
	c.used = true
	c.out.initISN(isn)

	for attempt := 0; attempt < c.config.ConnectAttempts; attempt++ {
		if attempt > 0 {
			c.log.Debug().Int("attempt", attempt+1).Msg("resending SYN")
			c.out.rewind()
		}
		c.out.send(SYNFlag)
		c.setState(StateSynSent)

		deadline := time.Now().Add(c.config.ConnectTimeout)
		timer := time.AfterFunc(c.config.ConnectTimeout, c.wakeState)
		for c.state == StateSynSent && time.Now().Before(deadline) {
			c.stateChanged.Wait()
		}
		timer.Stop()

		switch {
		case c.refused:
			return errors.Wrapf(ErrConnectionRefused, "connect to %s", remote)
		case c.state == StateSynSent:
			continue
		case c.failure != nil:
			return c.failure
		case c.state == StateClosed:
			return ErrClosed
		}
		c.log.Info().Msg("connection established")
		return nil
	}

	c.setState(StateClosed)
	return errors.Wrapf(ErrConnectionTimeout, "connect to %s after %d attempts", remote, c.config.ConnectAttempts)
}

func (c *Connection) wakeState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateChanged.Broadcast()
}

// Accept blocks until an established child is queued on the listener.
func (c *Connection) Accept() (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateListen {
		return nil, errors.Wrapf(ErrInvalidState, "accept in %s", c.state)
	}
	for c.state == StateListen && len(c.acceptQueue) == 0 {
		c.stateChanged.Wait()
	}
	if c.state != StateListen {
		return nil, ErrClosed
	}
	child := c.acceptQueue[0]
	c.acceptQueue[0] = nil
	c.acceptQueue = c.acceptQueue[1:]
	return child, nil
}

// Read blocks until data is available. It returns io.EOF once the peer's
// FIN has been reached.
func (c *Connection) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.in.available() > 0 {
			starved := c.in.buf.Free() < c.config.MSS
			n := c.in.read(p)
			moved := c.in.cascade()
			if moved {
				c.readable.Broadcast()
			}
			if c.synchronized() && (moved || starved) {
				c.sendAck()
			}
			return n, nil
		}
		switch {
		case c.failure != nil:
			return 0, c.failure
		case c.in.eof():
			return 0, io.EOF
		case c.state == StateClosed:
			return 0, ErrClosed
		case c.state == StateListen:
			return 0, errors.Wrap(ErrInvalidState, "read on listener")
		}
		c.readable.Wait()
	}
}

// Write queues p for sending in MSS-sized segments, blocking while the
// send buffer is full.
func (c *Connection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunkMax := c.config.MSS
	if chunkMax > c.out.buf.Cap() {
		chunkMax = c.out.buf.Cap()
	}

	written := 0
	for written < len(p) {
		if c.failure != nil {
			return written, c.failure
		}
		if c.state != StateEstablished && c.state != StateCloseWait {
			return written, errors.Wrapf(ErrInvalidState, "write in %s", c.state)
		}
		chunk := len(p) - written
		if chunk > chunkMax {
			chunk = chunkMax
		}
		if c.out.buf.Free() < chunk {
			c.writable.Wait()
			continue
		}
		flags := ACKFlag
		if written+chunk == len(p) {
			flags |= PSHFlag
		}
		if err := c.out.sendData(flags, p[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// Close starts or completes the close handshake and waits for it. From
// ESTABLISHED it returns once the peer has acknowledged our FIN; the rest
// of the sequence finishes on its own.
func (c *Connection) Close() error {
	c.mu.Lock()

	if c.state == StateListen {
		pending := c.acceptQueue
		c.acceptQueue = nil
		c.setState(StateClosed)
		c.mu.Unlock()
		for _, child := range pending {
			child.abort(ErrConnectionReset)
		}
		c.log.Info().Msg("listener closed")
		return nil
	}
	defer c.mu.Unlock()

	if err := c.startClose(); err != nil {
		return err
	}
	for c.state == StateFinWait1 || c.state == StateClosing || c.state == StateLastAck {
		c.stateChanged.Wait()
	}
	if c.reset {
		return ErrConnectionReset
	}
	if c.failure != nil && !errors.Is(c.failure, ErrClosed) {
		return c.failure
	}
	return nil
}

// startClose sends our FIN where one is due, without waiting.
func (c *Connection) startClose() error {
	switch c.state {
	case StateSynReceived, StateEstablished:
		c.out.send(FINFlag | ACKFlag)
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.out.send(FINFlag | ACKFlag)
		c.setState(StateLastAck)
	case StateSynSent, StateListen:
		c.setState(StateClosed)
	case StateClosed:
		c.teardown()
	default:
		return errors.Wrapf(ErrInvalidState, "close in %s", c.state)
	}
	return nil
}

func (c *Connection) synchronized() bool {
	switch c.state {
	case StateClosed, StateListen, StateSynSent:
		return false
	}
	return true
}

// Available is the number of bytes Read can return without blocking.
func (c *Connection) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.available()
}

func (c *Connection) ReceiveBufferSize() int { return c.in.buf.Cap() }

func (c *Connection) SendBufferSize() int { return c.out.buf.Cap() }

// PeerWindow is the window the peer last advertised.
func (c *Connection) PeerWindow() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerWindow
}
