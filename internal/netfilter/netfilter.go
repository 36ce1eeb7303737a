// Package netfilter installs and removes the iptables/ip6tables
// NFQUEUE redirection rules from spec §6, grounded on
// gleipnird/src/netfilter.rs's register_nfqueue/iptables helpers.
//
// Every INPUT/OUTPUT chain, for both address families, gets one rule
// diverting everything but loopback traffic into the queue; Register
// checks each rule's existence with `-C` before inserting so a restart
// after an unclean shutdown doesn't pile up duplicates.
package netfilter

import (
	"fmt"
	"os/exec"
)

// chain is one (binary, direction, device flag) combination this
// daemon manages a rule for.
type chain struct {
	binary    string // "iptables" or "ip6tables"
	direction string // "INPUT" or "OUTPUT"
	devFlag   string // "-i" or "-o"
}

func chains() []chain {
	return []chain{
		{"iptables", "INPUT", "-i"},
		{"iptables", "OUTPUT", "-o"},
		{"ip6tables", "INPUT", "-i"},
		{"ip6tables", "OUTPUT", "-o"},
	}
}

func (c chain) args(verb string, queueNum uint16) []string {
	return []string{
		"-t", "mangle",
		"-" + verb, c.direction,
		"!", c.devFlag, "lo",
		"-j", "NFQUEUE",
		"--queue-num", fmt.Sprintf("%d", queueNum),
		"--queue-bypass",
	}
}

func (c chain) run(verb string, queueNum uint16) error {
	cmd := exec.Command(c.binary, c.args(verb, queueNum)...)
	return cmd.Run()
}

// Register installs the NFQUEUE redirection rule on every chain,
// skipping any chain where an identical rule already exists (checked
// via -C, the same idempotency guard as the original).
func Register(queueNum uint16) error {
	for _, c := range chains() {
		if c.run("C", queueNum) == nil {
			continue // already present
		}
		if err := c.run("I", queueNum); err != nil {
			return fmt.Errorf("netfilter: insert %s %s rule: %w", c.binary, c.direction, err)
		}
	}
	return nil
}

// Unregister removes the NFQUEUE redirection rule from every chain,
// best-effort: it is called from a signal handler during shutdown, and
// a missing rule on one chain must not stop the rest from being
// cleaned up.
func Unregister(queueNum uint16) {
	for _, c := range chains() {
		_ = c.run("D", queueNum)
	}
}
