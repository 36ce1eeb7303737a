package attribution

import (
	"net/netip"
	"testing"

	"github.com/googlesky/gleipnird/internal/diag"
	"github.com/googlesky/gleipnird/internal/model"
)

type fakeDiag struct {
	calls   []addrPair
	results map[addrPair]diag.Result
}

func (f *fakeDiag) Find(protocol diag.Proto, local, remote netip.AddrPort) (diag.Result, error) {
	pair := addrPair{local: local, remote: remote}
	f.calls = append(f.calls, pair)
	if res, ok := f.results[pair]; ok {
		return res, nil
	}
	return diag.Result{}, diag.ErrNotFound
}

type fakeProcs struct {
	byInode map[uint32]model.Process
}

func (f *fakeProcs) Get(inode uint32) (model.Process, bool) {
	p, ok := f.byInode[inode]
	return p, ok
}

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}

// TestAttributorTCPSingleProbe is scenario 4's TCP case: a single probe,
// local facing this host, is enough.
func TestAttributorTCPSingleProbe(t *testing.T) {
	src := mustAddrPort("10.0.0.5:51000")
	dst := mustAddrPort("10.0.0.1:443")

	fd := &fakeDiag{results: map[addrPair]diag.Result{
		{local: dst, remote: src}: {Inode: 111},
	}}
	fp := &fakeProcs{byInode: map[uint32]model.Process{
		111: {PID: 42, Exe: "/usr/bin/curl"},
	}}

	a, err := newWith(fd, fp)
	if err != nil {
		t.Fatal(err)
	}

	p, err := a.Query(model.Input, model.Tcp, src, dst)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if p.PID != 42 {
		t.Fatalf("got pid %d, want 42", p.PID)
	}
	if len(fd.calls) != 1 {
		t.Fatalf("expected exactly one diag probe for TCP, got %d", len(fd.calls))
	}
}

// TestAttributorUDPWildcardListener is scenario 4: a UDP datagram
// arriving for a wildcard-bound listener only matches on the third
// probe (unspecified local IP, same local port, unspecified remote).
func TestAttributorUDPWildcardListener(t *testing.T) {
	src := mustAddrPort("10.0.0.5:53000")
	dst := mustAddrPort("10.0.0.1:53")

	wildcardLocal := mustAddrPort("0.0.0.0:53")
	unspecified := mustAddrPort("0.0.0.0:0")

	fd := &fakeDiag{results: map[addrPair]diag.Result{
		{local: wildcardLocal, remote: unspecified}: {Inode: 222},
	}}
	fp := &fakeProcs{byInode: map[uint32]model.Process{
		222: {PID: 53, Exe: "/usr/sbin/dnsmasq"},
	}}

	a, err := newWith(fd, fp)
	if err != nil {
		t.Fatal(err)
	}

	p, err := a.Query(model.Input, model.Udp, src, dst)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if p.PID != 53 {
		t.Fatalf("got pid %d, want 53", p.PID)
	}
	if len(fd.calls) != 3 {
		t.Fatalf("expected all three UDP probes to be tried, got %d", len(fd.calls))
	}
}

func TestAttributorNotFoundWhenNoSocketMatches(t *testing.T) {
	src := mustAddrPort("10.0.0.5:53000")
	dst := mustAddrPort("10.0.0.1:53")

	fd := &fakeDiag{results: map[addrPair]diag.Result{}}
	fp := &fakeProcs{byInode: map[uint32]model.Process{}}

	a, err := newWith(fd, fp)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Query(model.Input, model.Udp, src, dst); err != ErrNotFound {
		t.Fatalf("got err %v, want ErrNotFound", err)
	}
}

func TestAttributorCachesByFingerprint(t *testing.T) {
	src := mustAddrPort("10.0.0.5:51000")
	dst := mustAddrPort("10.0.0.1:443")

	fd := &fakeDiag{results: map[addrPair]diag.Result{
		{local: dst, remote: src}: {Inode: 111},
	}}
	fp := &fakeProcs{byInode: map[uint32]model.Process{
		111: {PID: 42, Exe: "/usr/bin/curl"},
	}}

	a, err := newWith(fd, fp)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Query(model.Input, model.Tcp, src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Query(model.Input, model.Tcp, src, dst); err != nil {
		t.Fatal(err)
	}
	if len(fd.calls) != 1 {
		t.Fatalf("expected second Query to hit the fingerprint cache, got %d diag calls", len(fd.calls))
	}
}
