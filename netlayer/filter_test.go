package netlayer

import (
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// fakeShell records commands and answers them from a script of outputs.
type fakeShell struct {
	calls   []string
	outputs map[string]string // command prefix -> output
	failing map[string]bool   // command prefix -> exit non-zero
}

func (f *fakeShell) run(name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	for prefix, fail := range f.failing {
		if fail && strings.HasPrefix(cmd, prefix) {
			return nil, errors.New("exit status 1")
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

var filterIP = netip.MustParseAddr("10.1.1.1")

func TestIptablesFilterer(t *testing.T) {
	sh := &fakeShell{failing: map[string]bool{"iptables -C": true}}
	f := newIptablesFilterer(sh.run, zerolog.Nop())

	if err := f.AddRule(filterIP, 8901, Client); err != nil {
		t.Fatal(err)
	}
	if err := f.AddRule(filterIP, 8901, Server); err != nil {
		t.Fatal(err)
	}
	f.RemoveRule(filterIP, 8901, Client)

	rule := "iptables %s OUTPUT -p tcp --tcp-flags RST RST %s 10.1.1.1 %s 8901 -m comment --comment vtcp -j DROP"
	want := []string{
		fmt.Sprintf(rule, "-C", "-d", "--dport"),
		fmt.Sprintf(rule, "-A", "-d", "--dport"),
		fmt.Sprintf(rule, "-C", "-s", "--sport"),
		fmt.Sprintf(rule, "-A", "-s", "--sport"),
		fmt.Sprintf(rule, "-D", "-d", "--dport"),
	}
	if diff := cmp.Diff(want, sh.calls); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestIptablesRuleExists(t *testing.T) {
	sh := &fakeShell{}
	f := newIptablesFilterer(sh.run, zerolog.Nop())
	if err := f.AddRule(filterIP, 80, Client); err != nil {
		t.Fatal(err)
	}
	if len(sh.calls) != 1 || !strings.HasPrefix(sh.calls[0], "iptables -C") {
		t.Errorf("existing rule should only be checked, ran %v", sh.calls)
	}
}

const nftListing = `table inet filter {
	chain output {
		type filter hook output priority 100; policy accept;
		ip daddr 10.1.1.1 tcp dport 8901 tcp flags rst drop # handle 7
		ip saddr 10.1.1.1 tcp sport 22 tcp flags rst drop # handle 9
	}
}
`

func TestNftablesFilterer(t *testing.T) {
	sh := &fakeShell{outputs: map[string]string{"nft -a list chain": nftListing}}
	f := newNftablesFilterer(sh.run, zerolog.Nop())

	// present already: nothing is added
	if err := f.AddRule(filterIP, 8901, Client); err != nil {
		t.Fatal(err)
	}
	for _, c := range sh.calls {
		if strings.HasPrefix(c, "nft add rule") {
			t.Errorf("duplicate rule added: %s", c)
		}
	}

	sh.calls = nil
	if err := f.AddRule(filterIP, 8902, Server); err != nil {
		t.Fatal(err)
	}
	last := sh.calls[len(sh.calls)-1]
	if want := "nft add rule inet filter output ip saddr 10.1.1.1 tcp sport 8902 tcp flags rst drop"; last != want {
		t.Errorf("added %q, want %q", last, want)
	}

	sh.calls = nil
	if err := f.RemoveRule(filterIP, 22, Server); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"nft -a list chain inet filter output",
		"nft delete rule inet filter output handle 9",
	}
	if diff := cmp.Diff(want, sh.calls); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestNftablesCreatesChain(t *testing.T) {
	sh := &fakeShell{failing: map[string]bool{"nft list table": true, "nft list chain": true}}
	f := newNftablesFilterer(sh.run, zerolog.Nop())
	if err := f.AddRule(filterIP, 1, Client); err != nil {
		t.Fatal(err)
	}
	if sh.calls[1] != "nft add table inet filter" || !strings.HasPrefix(sh.calls[3], "nft add chain inet filter output {") {
		t.Errorf("table and chain not created: %v", sh.calls)
	}
}
