package config

import (
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/vtcp/lib"
	"github.com/Clouded-Sabre/vtcp/netlayer"
)

// Config is the on-disk form of a transport configuration. Zero fields
// keep the library defaults.
type Config struct {
	ProtocolID      int           `yaml:"protocol_id"`
	MSS             int           `yaml:"mss"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	RecvBufferSize  int           `yaml:"recv_buffer_size"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	RetransmitTicks int           `yaml:"retransmit_ticks"`
	MaxRetransmits  int           `yaml:"max_retransmits"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	TimeWait        time.Duration `yaml:"time_wait"`
	Backlog         int           `yaml:"backlog"`
	PayloadPoolSize int           `yaml:"payload_pool_size"`
	ClientPortLower int           `yaml:"client_port_lower"`
	ClientPortUpper int           `yaml:"client_port_upper"`
	Debug           bool          `yaml:"debug"`

	// Link settings used by the test programs.
	Link LinkConfig `yaml:"link"`
}

// LinkConfig describes the network layer a test program runs on: a
// virtual IPv4-over-UDP host, or a raw IP socket.
type LinkConfig struct {
	Mode      string            `yaml:"mode"` // "udp" (default) or "raw"
	Addr      string            `yaml:"addr"`
	Listen    string            `yaml:"listen"`
	Neighbors map[string]string `yaml:"neighbors"` // virtual IP -> UDP address
	Capture   string            `yaml:"capture"`   // pcap file, empty for none

	// raw mode only
	FilterRST bool          `yaml:"filter_rst"`
	RuleDelay time.Duration `yaml:"rule_delay"`
}

var AppConfig *Config

// ReadConfig parses the YAML file at path.
func ReadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Link.Mode {
	case "", "udp", "raw":
	default:
		return errors.Errorf("link mode %q is neither udp nor raw", c.Link.Mode)
	}
	if c.ProtocolID < 0 || c.ProtocolID > 255 {
		return errors.Errorf("protocol_id %d out of range", c.ProtocolID)
	}
	for name, port := range map[string]int{"client_port_lower": c.ClientPortLower, "client_port_upper": c.ClientPortUpper} {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s %d out of range", name, port)
		}
	}
	negative := map[string]int{
		"mss": c.MSS, "send_buffer_size": c.SendBufferSize, "recv_buffer_size": c.RecvBufferSize,
		"retransmit_ticks": c.RetransmitTicks, "max_retransmits": c.MaxRetransmits,
		"connect_attempts": c.ConnectAttempts, "backlog": c.Backlog, "payload_pool_size": c.PayloadPoolSize,
	}
	for name, v := range negative {
		if v < 0 {
			return errors.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	return nil
}

// CoreConfig overlays the file's settings on lib.DefaultCoreConfig and
// validates the result.
func (c *Config) CoreConfig() (*lib.CoreConfig, error) {
	cfg := lib.DefaultCoreConfig()
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if v != 0 {
			*dst = v
		}
	}
	if c.ProtocolID != 0 {
		cfg.ProtocolID = uint8(c.ProtocolID)
	}
	setInt(&cfg.MSS, c.MSS)
	setInt(&cfg.SendBufferSize, c.SendBufferSize)
	setInt(&cfg.RecvBufferSize, c.RecvBufferSize)
	setDuration(&cfg.TickInterval, c.TickInterval)
	setInt(&cfg.RetransmitTicks, c.RetransmitTicks)
	setInt(&cfg.MaxRetransmits, c.MaxRetransmits)
	setInt(&cfg.ConnectAttempts, c.ConnectAttempts)
	setDuration(&cfg.ConnectTimeout, c.ConnectTimeout)
	setDuration(&cfg.TimeWait, c.TimeWait)
	setInt(&cfg.Backlog, c.Backlog)
	setInt(&cfg.PayloadPoolSize, c.PayloadPoolSize)
	if c.ClientPortLower != 0 {
		cfg.ClientPortLower = uint16(c.ClientPortLower)
	}
	if c.ClientPortUpper != 0 {
		cfg.ClientPortUpper = uint16(c.ClientPortUpper)
	}
	cfg.Debug = c.Debug

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	return cfg, nil
}

// LoadConfig reads path and returns the transport configuration it
// describes.
func LoadConfig(path string) (*lib.CoreConfig, error) {
	c, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	return c.CoreConfig()
}

// UDPLinkConfig converts the link section for netlayer.NewUDPLink.
func (l LinkConfig) UDPLinkConfig() (netlayer.UDPLinkConfig, error) {
	var out netlayer.UDPLinkConfig
	var err error
	if out.Addr, err = netip.ParseAddr(l.Addr); err != nil {
		return out, errors.Wrap(err, "link addr")
	}
	if out.Listen, err = netip.ParseAddrPort(l.Listen); err != nil {
		return out, errors.Wrap(err, "link listen")
	}
	out.Neighbors = make(map[netip.Addr]netip.AddrPort, len(l.Neighbors))
	for ip, udp := range l.Neighbors {
		vip, err := netip.ParseAddr(ip)
		if err != nil {
			return out, errors.Wrapf(err, "neighbor %q", ip)
		}
		if out.Neighbors[vip], err = netip.ParseAddrPort(udp); err != nil {
			return out, errors.Wrapf(err, "neighbor %s", ip)
		}
	}
	return out, nil
}
