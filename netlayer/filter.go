package netlayer

import (
	"net/netip"
	"os/exec"

	"github.com/rs/zerolog"
)

// Direction says which side of a conversation a filter rule protects.
type Direction int

const (
	// Client rules match RSTs the kernel sends to a remote server.
	Client Direction = iota
	// Server rules match RSTs the kernel sends from a local listening port.
	Server
)

func (d Direction) String() string {
	if d == Server {
		return "server"
	}
	return "client"
}

// PacketFilterer manages firewall rules that stop the host kernel from
// answering our segments with RSTs of its own. Running over raw IP with
// protocol 6 makes the kernel see segments for ports it never opened.
type PacketFilterer interface {
	// AddRule installs a drop rule; an existing identical rule is not
	// duplicated.
	AddRule(ip netip.Addr, port uint16, direction Direction) error
	// RemoveRule deletes a rule added by AddRule. Missing rules are not
	// an error.
	RemoveRule(ip netip.Addr, port uint16, direction Direction) error
}

// commandRunner executes an external command and returns its combined
// output. Tests replace it.
type commandRunner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// NewPacketFilterer picks nftables, then iptables, then a no-op filterer,
// depending on which tool the host has.
func NewPacketFilterer(log zerolog.Logger) PacketFilterer {
	switch {
	case commandAvailable("nft"):
		log.Info().Str("filter", "nftables").Msg("using nftables for RST filtering")
		return newNftablesFilterer(execRunner, log)
	case commandAvailable("iptables"):
		log.Info().Str("filter", "iptables").Msg("using iptables for RST filtering")
		return newIptablesFilterer(execRunner, log)
	default:
		log.Warn().Msg("neither nftables nor iptables found; RST filtering disabled")
		return NoOpFilterer{}
	}
}

// NoOpFilterer installs nothing.
type NoOpFilterer struct{}

func (NoOpFilterer) AddRule(netip.Addr, uint16, Direction) error    { return nil }
func (NoOpFilterer) RemoveRule(netip.Addr, uint16, Direction) error { return nil }
