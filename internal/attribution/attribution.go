// Package attribution maps a classified packet's 5-tuple to the local
// process that owns it (spec §4.D), combining the socket-diag client
// (internal/diag) and the proc index (internal/procindex) behind a
// capacity-2048 LRU fast path keyed by flow fingerprint.
//
// Grounded directly on gleipnird/src/main.rs's State::query_process and
// State::query_process_cached: the probe construction for TCP vs
// UDP/UDPLite, and the fingerprint-keyed cache wrapping the slow path,
// are ported one-for-one.
package attribution

import (
	"errors"
	"hash/fnv"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/googlesky/gleipnird/internal/diag"
	"github.com/googlesky/gleipnird/internal/model"
	"github.com/googlesky/gleipnird/internal/procindex"
)

// cacheCapacity is the flow-fingerprint LRU's capacity, per spec §4.D.
const cacheCapacity = 2048

// ErrNotFound is returned when no local process can be attributed to
// the flow — either the kernel has no matching socket, or the socket's
// inode cannot be mapped to a live process. Per spec §4.D and §7 this is
// a transient, fail-open condition: the caller should accept the packet
// and skip rule matching, not treat it as fatal.
var ErrNotFound = errors.New("attribution: process not found")

// diagFinder is the subset of *diag.Client the attributor consumes,
// narrowed so tests can substitute a fake kernel without a real netlink
// socket.
type diagFinder interface {
	Find(protocol diag.Proto, local, remote netip.AddrPort) (diag.Result, error)
}

// procLookup is the subset of *procindex.Index the attributor consumes.
type procLookup interface {
	Get(inode uint32) (model.Process, bool)
}

// Attributor is the flow→process mapper. It owns the socket-diag client
// and proc index for its lifetime and is not safe for concurrent use
// (it lives on the packet thread, per spec §5).
type Attributor struct {
	diag  diagFinder
	procs procLookup
	cache *lru.Cache[uint64, model.Process]
}

// New creates an Attributor over an already-dialed diag.Client.
func New(diagClient *diag.Client) (*Attributor, error) {
	return newWith(diagClient, procindex.New())
}

func newWith(diagClient diagFinder, procs procLookup) (*Attributor, error) {
	cache, err := lru.New[uint64, model.Process](cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Attributor{
		diag:  diagClient,
		procs: procs,
		cache: cache,
	}, nil
}

// Query attributes a packet's 5-tuple to a process, consulting the flow
// fingerprint cache before falling back to a netlink query.
func (a *Attributor) Query(device model.Device, protocol model.Proto, src, dst netip.AddrPort) (model.Process, error) {
	key := fingerprint(device, protocol, src, dst)
	if p, ok := a.cache.Get(key); ok {
		return p, nil
	}
	p, err := a.query(device, protocol, src, dst)
	if err != nil {
		return model.Process{}, err
	}
	a.cache.Add(key, p)
	return p, nil
}

func (a *Attributor) query(device model.Device, protocol model.Proto, src, dst netip.AddrPort) (model.Process, error) {
	inode, err := a.probe(device, protocol, src, dst)
	if err != nil {
		return model.Process{}, err
	}
	proc, ok := a.procs.Get(inode)
	if !ok {
		return model.Process{}, ErrNotFound
	}
	return proc, nil
}

// probe tries the protocol-appropriate ordered set of (local, remote)
// address pairs against the socket-diag client, returning the inode of
// the first hit.
func (a *Attributor) probe(device model.Device, protocol model.Proto, src, dst netip.AddrPort) (uint32, error) {
	for _, pair := range probePairs(device, protocol, src, dst) {
		res, err := a.diag.Find(toDiagProto(protocol), pair.local, pair.remote)
		if err == nil {
			return res.Inode, nil
		}
		if errors.Is(err, diag.ErrNotFound) {
			continue
		}
		return 0, err
	}
	return 0, ErrNotFound
}

type addrPair struct {
	local, remote netip.AddrPort
}

// probePairs builds the candidate (local, remote) pairs per spec §4.D:
//
//   - TCP: one probe, (dst, src) for Input, (src, dst) for Output — the
//     local address is whichever side faces this host.
//   - UDP/UDPLite: three probes — the exact pair, then the same local
//     endpoint against an unspecified remote (a connected listener
//     match), then an unspecified local IP with the same local port
//     against an unspecified remote (a dual-stack wildcard listener
//     match). The unspecified addresses always share the packet's own
//     address family — see SPEC_FULL.md §9's resolution of the IPv6
//     dual-stack open question.
func probePairs(device model.Device, protocol model.Proto, src, dst netip.AddrPort) []addrPair {
	if protocol == model.Tcp {
		if device.IsInput() {
			return []addrPair{{local: dst, remote: src}}
		}
		return []addrPair{{local: src, remote: dst}}
	}

	var local, remote netip.AddrPort
	if device.IsInput() {
		local, remote = dst, src
	} else {
		local, remote = src, dst
	}

	unspecifiedIP := unspecifiedFor(local.Addr())
	unspecified := netip.AddrPortFrom(unspecifiedIP, 0)
	wildcardLocal := netip.AddrPortFrom(unspecifiedIP, local.Port())

	return []addrPair{
		{local: local, remote: remote},
		{local: local, remote: unspecified},
		{local: wildcardLocal, remote: unspecified},
	}
}

func unspecifiedFor(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

func toDiagProto(p model.Proto) diag.Proto {
	switch p {
	case model.Tcp:
		return diag.TCP
	case model.Udp:
		return diag.UDP
	default:
		return diag.UDPLite
	}
}

// fingerprint hashes (device, proto, local port, remote port, local ip,
// remote ip) to a 64-bit flow key, per spec §3's flow fingerprint.
func fingerprint(device model.Device, protocol model.Proto, src, dst netip.AddrPort) uint64 {
	h := fnv.New64a()
	var b [2]byte
	b[0] = byte(device)
	b[1] = byte(protocol)
	h.Write(b[:])
	srcAddr := src.Addr().As16()
	dstAddr := dst.Addr().As16()
	h.Write(srcAddr[:])
	h.Write(dstAddr[:])
	var ports [4]byte
	ports[0] = byte(src.Port())
	ports[1] = byte(src.Port() >> 8)
	ports[2] = byte(dst.Port())
	ports[3] = byte(dst.Port() >> 8)
	h.Write(ports[:])
	return h.Sum64()
}
