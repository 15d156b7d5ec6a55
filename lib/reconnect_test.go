package lib

import (
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// loopbackNetwork delivers every transmitted segment back to the same
// core on its own goroutine.
type loopbackNetwork struct {
	addr  netip.Addr
	queue chan loopbackPacket
	done  chan struct{}
	wg    sync.WaitGroup
}

type loopbackPacket struct {
	segment []byte
	addr    Addressing
}

func (n *loopbackNetwork) Transmit(addr Addressing, segment []byte) error {
	select {
	case n.queue <- loopbackPacket{append([]byte(nil), segment...), addr}:
	case <-n.done:
	}
	return nil
}

func (n *loopbackNetwork) SourceAddr(netip.Addr) (netip.Addr, error) { return n.addr, nil }

func newLoopbackCore(t *testing.T) *Core {
	t.Helper()
	network := &loopbackNetwork{addr: clientAddr, queue: make(chan loopbackPacket, 64), done: make(chan struct{})}
	nop := zerolog.Nop()
	cfg := DefaultCoreConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.ConnectAttempts = 2
	cfg.TimeWait = 10 * time.Millisecond
	cfg.Logger = &nop
	core, err := NewCore(cfg, network)
	if err != nil {
		t.Fatal(err)
	}
	network.wg.Add(1)
	go func() {
		defer network.wg.Done()
		for {
			select {
			case p := <-network.queue:
				core.Receive(p.segment, p.addr)
			case <-network.done:
				return
			}
		}
	}()
	t.Cleanup(func() {
		core.Close()
		close(network.done)
		network.wg.Wait()
	})
	return core
}

func TestReconnectHelper(t *testing.T) {
	core := newLoopbackCore(t)
	server := netip.AddrPortFrom(clientAddr, 80)

	var finalErr error
	reconnects := 0
	helper := NewClientReconnectHelper(core, server, &ClientReconnectConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		OnReconnect:       func() { reconnects++ },
		OnFinalFailure:    func(err error) { finalErr = err },
	})

	if helper.HandleError(io.EOF) {
		t.Error("EOF should not trigger a reconnect")
	}

	// nobody listens yet: both redials are refused
	if helper.HandleError(ErrConnectionReset) {
		t.Fatal("reconnected with no listener")
	}
	if !errors.Is(finalErr, ErrConnectionRefused) {
		t.Errorf("final failure %v, want connection refused", finalErr)
	}

	listener, err := core.Listen(server)
	if err != nil {
		t.Fatal(err)
	}
	helper.SetConnection(nil)
	if !helper.HandleError(errors.Wrap(ErrConnectionTimeout, "read")) {
		t.Fatal("reconnect failed with a listener present")
	}
	conn := helper.GetConnection()
	if conn == nil || conn.State() != StateEstablished || reconnects != 1 {
		t.Fatalf("after reconnect: conn=%v reconnects=%d", conn, reconnects)
	}

	child, err := listener.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte("again")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := child.Read(buf)
	if err != nil || string(buf[:n]) != "again" {
		t.Errorf("read %q, %v", buf[:n], err)
	}
}

func TestCalculateBackoffDuration(t *testing.T) {
	testCases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tc := range testCases {
		if got := CalculateBackoffDuration(tc.retries, 100*time.Millisecond, time.Second, 2); got != tc.want {
			t.Errorf("CalculateBackoffDuration(%d) = %s, want %s", tc.retries, got, tc.want)
		}
	}
}
