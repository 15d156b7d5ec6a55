package lib

import (
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type CoreConfig struct {
	ProtocolID      uint8         // protocol number carried in the pseudo header
	MSS             int           // largest payload put in one segment
	SendBufferSize  int           // per-connection send buffer
	RecvBufferSize  int           // per-connection receive buffer
	TickInterval    time.Duration // retransmission driver period
	RetransmitTicks int           // ticks before the first resend of a segment
	MaxRetransmits  int           // resends of one segment before the connection is aborted
	ConnectAttempts int           // SYNs sent by an active open
	ConnectTimeout  time.Duration // wait per SYN
	TimeWait        time.Duration // TIME_WAIT linger before CLOSED
	Backlog         int           // established children a listener queues
	PayloadPoolSize int           // chunks for out-of-order payloads, shared by all connections
	ClientPortLower uint16        // ephemeral port range
	ClientPortUpper uint16
	Debug           bool

	Logger       *zerolog.Logger        `json:"-"` // nil selects a console logger
	ISNGenerator func() (uint32, error) `json:"-"` // nil selects GenerateISN
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		ProtocolID:      DefaultProtocolID,
		MSS:             DefaultMSS,
		SendBufferSize:  DefaultBufferSize,
		RecvBufferSize:  DefaultBufferSize,
		TickInterval:    DefaultTickInterval,
		RetransmitTicks: DefaultRetransmitTicks,
		MaxRetransmits:  DefaultMaxRetransmits,
		ConnectAttempts: DefaultConnectAttempts,
		ConnectTimeout:  DefaultConnectTimeout,
		TimeWait:        DefaultTimeWait,
		Backlog:         DefaultBacklog,
		PayloadPoolSize: DefaultPayloadPoolSize,
		ClientPortLower: DefaultClientPortLower,
		ClientPortUpper: DefaultClientPortUpper,
	}
}

// Validate rejects configurations the protocol cannot run with.
func (cfg *CoreConfig) Validate() error {
	switch {
	case cfg.MSS <= 0:
		return errors.Errorf("mss must be positive, got %d", cfg.MSS)
	case cfg.SendBufferSize <= 0 || cfg.RecvBufferSize <= 0:
		return errors.New("buffer sizes must be positive")
	case cfg.TickInterval <= 0:
		return errors.Errorf("tick interval must be positive, got %s", cfg.TickInterval)
	case cfg.RetransmitTicks <= 0:
		return errors.Errorf("retransmit ticks must be positive, got %d", cfg.RetransmitTicks)
	case cfg.MaxRetransmits < 1 || cfg.MaxRetransmits > MaxRetransmitLimit:
		return errors.Errorf("max retransmits must be in 1..%d, got %d", MaxRetransmitLimit, cfg.MaxRetransmits)
	case cfg.ConnectAttempts <= 0:
		return errors.Errorf("connect attempts must be positive, got %d", cfg.ConnectAttempts)
	case cfg.ConnectTimeout <= 0:
		return errors.Errorf("connect timeout must be positive, got %s", cfg.ConnectTimeout)
	case cfg.PayloadPoolSize <= 0:
		return errors.Errorf("payload pool size must be positive, got %d", cfg.PayloadPoolSize)
	case cfg.ClientPortLower == 0 || cfg.ClientPortLower > cfg.ClientPortUpper:
		return errors.Errorf("bad client port range %d-%d", cfg.ClientPortLower, cfg.ClientPortUpper)
	}
	return nil
}

// Core is one transport instance bound to one network layer. It owns the
// connection table, the retransmission driver and the shared payload pool.
type Core struct {
	config  *CoreConfig
	network NetworkLayer
	table   *ConnectionTable
	pool    *payloadPool
	stats   Stats
	log     zerolog.Logger

	closeSignal chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewCore(config *CoreConfig, network NetworkLayer) (*Core, error) {
	if config == nil {
		config = DefaultCoreConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "core config")
	}
	if network == nil {
		return nil, errors.New("core needs a network layer")
	}

	var logger zerolog.Logger
	if config.Logger != nil {
		logger = *config.Logger
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		if config.Debug {
			logger = logger.Level(zerolog.DebugLevel)
		} else {
			logger = logger.Level(zerolog.InfoLevel)
		}
	}

	c := &Core{
		config:      config,
		network:     network,
		table:       newConnectionTable(config.ISNGenerator, newPortPool(config.ClientPortLower, config.ClientPortUpper)),
		pool:        newPayloadPool(config.PayloadPoolSize, config.MSS, logger),
		log:         logger,
		closeSignal: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.retransmitLoop(config.TickInterval)

	c.log.Info().Uint8("protocol", config.ProtocolID).Int("mss", config.MSS).Msg("transport core started")
	return c, nil
}

// Receive is the entry point for packets from the network layer.
func (c *Core) Receive(segment []byte, addr Addressing) {
	c.stats.segmentsIn.Add(1)
	seg, err := ParseSegment(segment, addr)
	if err != nil {
		if errors.Is(err, ErrChecksum) {
			c.stats.checksumErrors.Add(1)
		} else {
			c.stats.malformed.Add(1)
		}
		c.log.Debug().Err(err).Str("from", addr.Src.String()).Msg("dropping segment")
		return
	}
	c.demux(seg, addr)
}

// Bind creates a CLOSED connection on local. Port 0 takes an ephemeral
// port, released again when the connection closes.
func (c *Core) Bind(local netip.AddrPort) (*Connection, error) {
	ephemeral := false
	if local.Port() == 0 {
		port, err := c.table.ports.allocatePort()
		if err != nil {
			return nil, errors.Wrap(err, "bind")
		}
		local = netip.AddrPortFrom(local.Addr(), port)
		ephemeral = true
	}
	if !local.Addr().IsValid() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	conn := newConnection(c, local, nil)
	conn.ephemeral = ephemeral
	return conn, nil
}

// Listen binds local and starts listening on it.
func (c *Core) Listen(local netip.AddrPort) (*Connection, error) {
	conn, err := c.Bind(local)
	if err != nil {
		return nil, err
	}
	if err := conn.Listen(); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Dial opens a connection to remote from an ephemeral port.
func (c *Core) Dial(remote netip.AddrPort) (*Connection, error) {
	conn, err := c.Bind(netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(remote); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ConnInfo describes one registered connection.
type ConnInfo struct {
	ID     uint32
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  State
}

func (c *Core) Connections() []ConnInfo {
	conns := c.table.snapshot()
	infos := make([]ConnInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

func (c *Core) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Core) Config() *CoreConfig {
	return c.config
}

// Close stops the retransmission driver and aborts every connection.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeSignal)
		c.wg.Wait()

		for _, conn := range c.table.snapshot() {
			conn.abort(ErrClosed)
		}
		c.log.Info().Msg("transport core closed")
	})
	return nil
}

// transmit encodes seg and hands it to the network layer. Loss is normal
// here, so errors are only logged.
func (c *Core) transmit(seg *Segment, addr Addressing) {
	addr.Protocol = c.config.ProtocolID
	b := seg.Marshal(addr)
	c.stats.segmentsOut.Add(1)
	if err := c.network.Transmit(addr, b); err != nil {
		c.log.Debug().Err(err).Str("seg", seg.String()).Str("to", addr.Dst.String()).Msg("transmit failed")
	}
}
