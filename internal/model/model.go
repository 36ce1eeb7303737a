// Package model defines the value types shared by every gleipnird
// component: the rule/rate-limit configuration, the packet log record,
// and the process attribution record. Nothing in this package touches
// the kernel, the filesystem, or the network — it is pure data plus the
// address-masking and single-rule-match math that the indexed matcher
// builds on.
package model

import (
	"errors"
	"fmt"
	"net/netip"
)

// Device names which netfilter chain a packet traversed.
type Device uint8

const (
	Input Device = iota
	Output
)

func (d Device) String() string {
	switch d {
	case Input:
		return "Input"
	case Output:
		return "Output"
	default:
		return fmt.Sprintf("Device(%d)", uint8(d))
	}
}

// IsInput reports whether the device is the INPUT chain.
func (d Device) IsInput() bool { return d == Input }

// Proto names the L4 protocol a rule or packet concerns.
type Proto uint8

const (
	Tcp Proto = iota
	Udp
	UdpLite
)

func (p Proto) String() string {
	switch p {
	case Tcp:
		return "TCP"
	case Udp:
		return "UDP"
	case UdpLite:
		return "UDPLite"
	default:
		return fmt.Sprintf("Proto(%d)", uint8(p))
	}
}

// PortRange is an inclusive [Lo, Hi] port range, 0 <= Lo <= Hi <= 65535.
type PortRange struct {
	Lo uint16 `json:"lo"`
	Hi uint16 `json:"hi"`
}

// Contains reports whether port falls within the range, inclusive.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

// Subnet is an (ip, mask length) pair. Mask is in [0,32] for an IPv4 ip
// and [0,128] for an IPv6 ip.
type Subnet struct {
	IP   netip.Addr `json:"ip"`
	Mask uint8      `json:"mask"`
}

// TargetKind discriminates a Rule's verdict.
type TargetKind uint8

const (
	Accept TargetKind = iota
	Drop
	RateLimit
)

// RuleTarget is a rule's verdict: Accept, Drop, or RateLimit(index into
// a Rules.RateRules slice).
type RuleTarget struct {
	Kind    TargetKind
	RateIdx int // valid only when Kind == RateLimit
}

func (t RuleTarget) String() string {
	switch t.Kind {
	case Accept:
		return "Accept"
	case Drop:
		return "Drop"
	case RateLimit:
		return fmt.Sprintf("RateLimit(%d)", t.RateIdx)
	default:
		return "Unknown"
	}
}

// Rule is one ordered entry in a Rules ruleset. A nil Device, Proto, Exe
// or Port predicate matches any value on that axis. Subnet is always
// checked: a rule matches every address of one family only through a
// /0 subnet (0.0.0.0/0 or ::/0), and a zero-value Subnet matches nothing.
type Rule struct {
	Device *Device    `json:"device,omitempty"`
	Proto  *Proto     `json:"proto,omitempty"`
	Exe    *string    `json:"exe,omitempty"`
	Port   *PortRange `json:"port,omitempty"`
	Subnet Subnet     `json:"subnet"`
	Target RuleTarget `json:"target"`
}

// MatchOne returns the rule's target if every non-absent predicate
// equals the corresponding packet field, the address family of addr
// matches the rule's subnet family, and addr masked to Subnet.Mask
// equals Subnet.IP. Otherwise it returns false.
//
// This is the single-rule comparison the indexed matcher's candidate
// verification calls.
func (r Rule) MatchOne(device Device, proto Proto, addr netip.Addr, port uint16, exe string) (RuleTarget, bool) {
	if r.Device != nil && *r.Device != device {
		return RuleTarget{}, false
	}
	if r.Proto != nil && *r.Proto != proto {
		return RuleTarget{}, false
	}
	if r.Exe != nil && *r.Exe != exe {
		return RuleTarget{}, false
	}
	if r.Port != nil && !r.Port.Contains(port) {
		return RuleTarget{}, false
	}
	if addr.Is4() != r.Subnet.IP.Is4() {
		return RuleTarget{}, false
	}
	if MaskAddr(addr, r.Subnet.Mask) != r.Subnet.IP {
		return RuleTarget{}, false
	}
	return r.Target, true
}

// MaskAddr retains the high n bits of addr in IP byte order and zeroes
// the rest. n must be within [0,32] for an IPv4 address or [0,128] for
// an IPv6 address; callers (the rule model and the matcher build step)
// are expected to have validated that range already. Masking is
// idempotent: MaskAddr(MaskAddr(a, n), n) == MaskAddr(a, n).
func MaskAddr(addr netip.Addr, n uint8) netip.Addr {
	b := addr.AsSlice()
	bits := int(n)
	for i := range b {
		bitOffset := bits - i*8
		switch {
		case bitOffset >= 8:
			// byte fully retained
		case bitOffset <= 0:
			b[i] = 0
		default:
			b[i] &= ^byte(0xff >> uint(bitOffset))
		}
	}
	masked, ok := netip.AddrFromSlice(b)
	if !ok {
		return addr
	}
	if addr.Is4() {
		return masked.Unmap()
	}
	return masked
}

// RateLimitRule names a token-bucket limiter: fewer than Limit bytes may
// be charged within any 500ms window (see rulesengine's bucket type).
type RateLimitRule struct {
	Name  string `json:"name"`
	Limit uint64 `json:"limit"`
}

// Rules is the control-plane payload: the default verdict, the ordered
// rule list, and the rate-limit definitions rules may reference by
// index.
type Rules struct {
	DefaultTarget RuleTarget      `json:"default_target"`
	Rules         []Rule          `json:"rules"`
	RateRules     []RateLimitRule `json:"rate_rules"`
}

// ErrInvalidRules is returned by Validate (and wrapped by control-surface
// set_rules handling) when a Rules value breaks a structural invariant.
var ErrInvalidRules = errors.New("invalid rules")

// Validate checks the structural invariants from the data model: every
// RateLimit(k) target, whether on a Rule or on DefaultTarget, must
// reference a valid k < len(RateRules), and every port range and subnet
// mask must be well-formed.
func (r Rules) Validate() error {
	checkTarget := func(t RuleTarget) error {
		if t.Kind == RateLimit && (t.RateIdx < 0 || t.RateIdx >= len(r.RateRules)) {
			return fmt.Errorf("%w: rate_rules index %d out of range (have %d)", ErrInvalidRules, t.RateIdx, len(r.RateRules))
		}
		return nil
	}
	if err := checkTarget(r.DefaultTarget); err != nil {
		return err
	}
	for i, rule := range r.Rules {
		if err := checkTarget(rule.Target); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Port != nil && rule.Port.Lo > rule.Port.Hi {
			return fmt.Errorf("rule %d: %w: port range lo=%d > hi=%d", i, ErrInvalidRules, rule.Port.Lo, rule.Port.Hi)
		}
		if !rule.Subnet.IP.IsValid() {
			return fmt.Errorf("rule %d: %w: subnet ip is not valid", i, ErrInvalidRules)
		}
		maxMask := uint8(32)
		if !rule.Subnet.IP.Is4() {
			maxMask = 128
		}
		if rule.Subnet.Mask > maxMask {
			return fmt.Errorf("rule %d: %w: mask %d exceeds %d for this address family", i, ErrInvalidRules, rule.Subnet.Mask, maxMask)
		}
	}
	return nil
}

// PackageReport is the per-packet log record emitted on the log
// channel. MatchedRule is nil when only the default target fired.
type PackageReport struct {
	Device      Device
	Protocol    Proto
	Addr        netip.AddrPort
	Len         int
	Exe         string
	Dropped     bool
	MatchedRule *int
}

// Process is a single entry in the proc index: a PID's parent/group and
// the socket inodes it currently holds open.
type Process struct {
	PID    int
	PPID   int
	PGRP   int
	Exe    string
	Inodes []uint32
}

// Clone returns a deep copy of p, safe to hand out from a cache shared
// across attribution lookups.
func (p Process) Clone() Process {
	cp := p
	cp.Inodes = append([]uint32(nil), p.Inodes...)
	return cp
}
