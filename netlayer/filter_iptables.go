package netlayer

import (
	"net/netip"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const ruleComment = "vtcp"

// IptablesFilterer drops kernel RSTs with rules in the OUTPUT chain,
// tagged with a comment so they can be told apart from foreign rules.
type IptablesFilterer struct {
	run commandRunner
	log zerolog.Logger
}

func newIptablesFilterer(run commandRunner, log zerolog.Logger) *IptablesFilterer {
	return &IptablesFilterer{run: run, log: log}
}

func iptablesRule(op string, ip netip.Addr, port uint16, direction Direction) []string {
	addrFlag, portFlag := "-d", "--dport"
	if direction == Server {
		addrFlag, portFlag = "-s", "--sport"
	}
	return []string{op, "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		addrFlag, ip.String(), portFlag, strconv.Itoa(int(port)),
		"-m", "comment", "--comment", ruleComment, "-j", "DROP"}
}

func (f *IptablesFilterer) AddRule(ip netip.Addr, port uint16, direction Direction) error {
	// -C succeeds when the rule already exists
	if _, err := f.run("iptables", iptablesRule("-C", ip, port, direction)...); err == nil {
		return nil
	}
	if out, err := f.run("iptables", iptablesRule("-A", ip, port, direction)...); err != nil {
		return errors.Wrapf(err, "iptables add %s rule for %s:%d: %s", direction, ip, port, out)
	}
	f.log.Debug().Str("ip", ip.String()).Uint16("port", port).Stringer("direction", direction).Msg("iptables rule added")
	return nil
}

func (f *IptablesFilterer) RemoveRule(ip netip.Addr, port uint16, direction Direction) error {
	if out, err := f.run("iptables", iptablesRule("-D", ip, port, direction)...); err != nil {
		f.log.Debug().Err(err).Str("output", string(out)).Msg("iptables rule removal failed, rule may not exist")
	}
	return nil
}
