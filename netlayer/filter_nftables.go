package netlayer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NftablesFilterer drops kernel RSTs with rules in the inet filter output
// chain, creating the table and chain when missing.
type NftablesFilterer struct {
	run commandRunner
	log zerolog.Logger
}

func newNftablesFilterer(run commandRunner, log zerolog.Logger) *NftablesFilterer {
	return &NftablesFilterer{run: run, log: log}
}

func nftMatch(ip netip.Addr, port uint16, direction Direction) string {
	if direction == Server {
		return fmt.Sprintf("ip saddr %s tcp sport %d", ip, port)
	}
	return fmt.Sprintf("ip daddr %s tcp dport %d", ip, port)
}

func (f *NftablesFilterer) ensureChain() error {
	if _, err := f.run("nft", "list", "table", "inet", "filter"); err != nil {
		if out, err := f.run("nft", "add", "table", "inet", "filter"); err != nil {
			return errors.Wrapf(err, "create nftables table: %s", out)
		}
	}
	if _, err := f.run("nft", "list", "chain", "inet", "filter", "output"); err != nil {
		out, err := f.run("nft", "add", "chain", "inet", "filter", "output",
			"{", "type", "filter", "hook", "output", "priority", "100", ";", "}")
		if err != nil {
			return errors.Wrapf(err, "create nftables output chain: %s", out)
		}
	}
	return nil
}

// handles returns the rule handles in the output chain matching match.
func (f *NftablesFilterer) handles(match string) ([]string, error) {
	out, err := f.run("nft", "-a", "list", "chain", "inet", "filter", "output")
	if err != nil {
		return nil, errors.Wrapf(err, "list nftables output chain: %s", out)
	}
	var handles []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, match) {
			continue
		}
		if i := strings.LastIndex(line, "# handle "); i >= 0 {
			handles = append(handles, strings.TrimSpace(line[i+len("# handle "):]))
		}
	}
	return handles, nil
}

func (f *NftablesFilterer) AddRule(ip netip.Addr, port uint16, direction Direction) error {
	if err := f.ensureChain(); err != nil {
		return err
	}
	match := nftMatch(ip, port, direction)
	if existing, err := f.handles(match); err == nil && len(existing) > 0 {
		return nil
	}
	rule := match + " tcp flags rst drop"
	if out, err := f.run("nft", "add", "rule", "inet", "filter", "output", rule); err != nil {
		return errors.Wrapf(err, "nft add %s rule for %s:%d: %s", direction, ip, port, out)
	}
	f.log.Debug().Str("rule", rule).Msg("nftables rule added")
	return nil
}

func (f *NftablesFilterer) RemoveRule(ip netip.Addr, port uint16, direction Direction) error {
	handles, err := f.handles(nftMatch(ip, port, direction))
	if err != nil {
		f.log.Debug().Err(err).Msg("nftables rule lookup failed")
		return nil
	}
	for _, h := range handles {
		if out, err := f.run("nft", "delete", "rule", "inet", "filter", "output", "handle", h); err != nil {
			return errors.Wrapf(err, "nft delete rule handle %s: %s", h, out)
		}
	}
	return nil
}
