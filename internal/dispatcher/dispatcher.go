// Package dispatcher implements the netfilter-queue callback from spec
// §4.G: the single-threaded packet path that parses L3/L4 headers,
// attributes the flow to a process, consults the active rule set, and
// reports a verdict plus a log record.
//
// Grounded on gleipnird/src/main.rs's queue_callback for the algorithm
// shape (device detection, the L3 version-nibble dispatch, the
// rule_addr choice, the fail-open policy on attribution errors); L3/L4
// field extraction uses github.com/google/gopacket/layers instead of
// the original's pnet::packet decoders, the domain dependency
// contributed by ryawong47-sniffer's go.mod.
package dispatcher

import (
	"encoding/binary"
	"log/slog"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/rulesengine"
	"github.com/googlesky/gleipnird/internal/snapshot"
)

// Attributor resolves a flow's owning process. *attribution.Attributor
// satisfies this.
type Attributor interface {
	Query(device model.Device, protocol model.Proto, src, dst netip.AddrPort) (model.Process, error)
}

// Logger is the subset of *logfeed.Feed the dispatcher consumes.
type Logger interface {
	TrySend(report model.PackageReport)
}

// Verdict is the netfilter disposition for a packet.
type Verdict bool

const (
	Drop   Verdict = false
	Accept Verdict = true
)

// Dispatcher is T1's packet-thread state: the rules snapshot reader,
// the attributor, and the outbound log feed. It is not safe for
// concurrent use — spec §5 confines it to a single thread.
type Dispatcher struct {
	rules *snapshot.Reader[*rulesengine.IndexedRules]
	attr  Attributor
	log   Logger
	sl    *slog.Logger
}

// New creates a Dispatcher over an already-constructed rules reader,
// attributor, and log feed.
func New(rules *snapshot.Reader[*rulesengine.IndexedRules], attr Attributor, log Logger, sl *slog.Logger) *Dispatcher {
	if sl == nil {
		sl = slog.Default()
	}
	return &Dispatcher{rules: rules, attr: attr, log: log, sl: sl}
}

// DetermineDevice maps netfilter's indev/outdev interface indexes to a
// Device, per spec §4.G step 1. ok is false for a malformed packet
// carrying neither (or, unexpectedly, both).
func DetermineDevice(indev, outdev uint32) (device model.Device, ok bool) {
	switch {
	case indev != 0 && outdev == 0:
		return model.Input, true
	case outdev != 0 && indev == 0:
		return model.Output, true
	default:
		return model.Device(0), false
	}
}

// HandlePacket runs the full classification algorithm over one raw IP
// payload and returns the verdict to set plus the report to log. It is
// the pure core of the NFQUEUE hook, kept free of any netlink/queue
// library type so it can be driven directly by tests.
func (d *Dispatcher) HandlePacket(indev, outdev uint32, payload []byte) (Verdict, model.PackageReport) {
	device, ok := DetermineDevice(indev, outdev)
	if !ok {
		d.sl.Warn("dispatcher: packet has no single device, accepting")
		return Accept, model.PackageReport{}
	}

	parsed, ok := parseL3L4(payload)
	if !ok {
		return Accept, model.PackageReport{}
	}

	var ruleAddr netip.Addr
	if device.IsInput() {
		ruleAddr = parsed.srcIP
	} else {
		ruleAddr = parsed.dstIP
	}

	proc, err := d.attr.Query(device, parsed.protocol, netip.AddrPortFrom(parsed.srcIP, parsed.srcPort), netip.AddrPortFrom(parsed.dstIP, parsed.dstPort))
	if err != nil {
		d.sl.Debug("dispatcher: attribution failed, accepting", "error", err)
		return Accept, model.PackageReport{}
	}

	guard := d.rules.Read()
	defer guard.Close()
	rules := *guard.Value()

	addr := netip.AddrPortFrom(ruleAddr, portFor(device, parsed))
	ruleIndex, accept := rules.IsAcceptable(device, parsed.protocol, addr, len(payload), proc.Exe)

	report := model.PackageReport{
		Device:      device,
		Protocol:    parsed.protocol,
		Addr:        addr,
		Len:         len(payload),
		Exe:         proc.Exe,
		Dropped:     !accept,
		MatchedRule: ruleIndex,
	}
	d.log.TrySend(report)

	return Verdict(accept), report
}

// portFor selects the port half of rule_addr matching ruleAddr's side.
func portFor(device model.Device, p l3l4) uint16 {
	if device.IsInput() {
		return p.srcPort
	}
	return p.dstPort
}

type l3l4 struct {
	protocol          model.Proto
	srcIP, dstIP      netip.Addr
	srcPort, dstPort  uint16
}

// parseL3L4 parses the minimum IPv4/IPv6 header plus the minimum
// TCP/UDP/UDPLite header, per spec §4.G steps 2-5. ok is false for any
// packet this daemon must fail open on: a bad version nibble, a
// transport protocol other than TCP/UDP/UDPLite, or a header too short
// to parse.
func parseL3L4(payload []byte) (l3l4, bool) {
	if len(payload) < 1 {
		return l3l4{}, false
	}

	switch payload[0] >> 4 {
	case 4:
		return parseIPv4(payload)
	case 6:
		return parseIPv6(payload)
	default:
		return l3l4{}, false
	}
}

func parseIPv4(payload []byte) (l3l4, bool) {
	ip4 := &layers.IPv4{}
	if err := ip4.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return l3l4{}, false
	}
	proto, ok := toProto(ip4.Protocol)
	if !ok {
		return l3l4{}, false
	}
	srcIP, ok1 := netip.AddrFromSlice(ip4.SrcIP.To4())
	dstIP, ok2 := netip.AddrFromSlice(ip4.DstIP.To4())
	if !ok1 || !ok2 {
		return l3l4{}, false
	}
	srcPort, dstPort, ok := parseL4Ports(proto, ip4.Payload)
	if !ok {
		return l3l4{}, false
	}
	return l3l4{protocol: proto, srcIP: srcIP, dstIP: dstIP, srcPort: srcPort, dstPort: dstPort}, true
}

// parseIPv6 decodes only the fixed 40-byte header. Per spec §4.G and
// SPEC_FULL.md §9, extension headers are not traversed: NextHeader is
// treated directly as the L4 protocol, so any packet with an
// intervening extension header falls through to the "other protocol"
// accept path rather than being walked.
func parseIPv6(payload []byte) (l3l4, bool) {
	ip6 := &layers.IPv6{}
	if err := ip6.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return l3l4{}, false
	}
	proto, ok := toProto(ip6.NextHeader)
	if !ok {
		return l3l4{}, false
	}
	srcIP, ok1 := netip.AddrFromSlice(ip6.SrcIP.To16())
	dstIP, ok2 := netip.AddrFromSlice(ip6.DstIP.To16())
	if !ok1 || !ok2 {
		return l3l4{}, false
	}
	srcPort, dstPort, ok := parseL4Ports(proto, ip6.Payload)
	if !ok {
		return l3l4{}, false
	}
	return l3l4{protocol: proto, srcIP: srcIP, dstIP: dstIP, srcPort: srcPort, dstPort: dstPort}, true
}

func toProto(p layers.IPProtocol) (model.Proto, bool) {
	switch p {
	case layers.IPProtocolTCP:
		return model.Tcp, true
	case layers.IPProtocolUDP:
		return model.Udp, true
	case layers.IPProtocolUDPLite:
		return model.UdpLite, true
	default:
		return 0, false
	}
}

// parseL4Ports extracts (src, dst) port from a TCP/UDP/UDPLite header.
// TCP and UDP are decoded via gopacket/layers; UDPLite shares UDP's
// 8-byte header layout for the first 4 bytes (source port, destination
// port) but gopacket has no dedicated UDPLite layer, so those two
// fields are read directly.
func parseL4Ports(proto model.Proto, l4 []byte) (src, dst uint16, ok bool) {
	switch proto {
	case model.Tcp:
		tcp := &layers.TCP{}
		if err := tcp.DecodeFromBytes(l4, gopacket.NilDecodeFeedback); err != nil {
			return 0, 0, false
		}
		return uint16(tcp.SrcPort), uint16(tcp.DstPort), true
	case model.Udp:
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(l4, gopacket.NilDecodeFeedback); err != nil {
			return 0, 0, false
		}
		return uint16(udp.SrcPort), uint16(udp.DstPort), true
	case model.UdpLite:
		if len(l4) < 4 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint16(l4[0:2]), binary.BigEndian.Uint16(l4[2:4]), true
	default:
		return 0, 0, false
	}
}
