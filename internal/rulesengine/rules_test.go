package rulesengine

import (
	"net/netip"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/googlesky/gleipnird/internal/model"
)

func strPtr(s string) *string       { return &s }
func devicePtr(d model.Device) *model.Device { return &d }
func protoPtr(p model.Proto) *model.Proto    { return &p }
func portRange(lo, hi uint16) *model.PortRange {
	return &model.PortRange{Lo: lo, Hi: hi}
}

func mustIP(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func accept() model.RuleTarget { return model.RuleTarget{Kind: model.Accept} }
func drop() model.RuleTarget   { return model.RuleTarget{Kind: model.Drop} }

// TestIndexedRulesBuild ports rules_indexing's index-shape assertions:
// five rules producing known device/proto/exe/port/any buckets.
func TestIndexedRulesBuild(t *testing.T) {
	rules := []model.Rule{
		{
			Device: devicePtr(model.Input),
			Subnet: model.Subnet{IP: mustIP("1.1.1.1"), Mask: 32},
			Target: accept(),
		},
		{
			Device: devicePtr(model.Input),
			Proto:  protoPtr(model.Tcp),
			Subnet: model.Subnet{IP: mustIP("1.1.1.1"), Mask: 32},
			Target: accept(),
		},
		{
			Device: devicePtr(model.Input),
			Proto:  protoPtr(model.Tcp),
			Subnet: model.Subnet{IP: mustIP("2.2.2.2"), Mask: 30},
			Target: accept(),
		},
		{
			Device: devicePtr(model.Input),
			Exe:    strPtr(""),
			Port:   portRange(10, 200),
			Subnet: model.Subnet{IP: mustIP("2.2.2.2"), Mask: 32},
			Target: accept(),
		},
		{
			Device: devicePtr(model.Input),
			Exe:    strPtr(""),
			Port:   portRange(100, 100),
			Subnet: model.Subnet{IP: mustIP("0.0.0.0"), Mask: 0},
			Target: accept(),
		},
	}

	r := New(drop(), rules, nil)

	wantDevice := map[model.Device][]int{model.Input: {0, 1, 2, 3, 4}}
	if !reflect.DeepEqual(r.device, wantDevice) {
		t.Fatalf("device index = %v, want %v", r.device, wantDevice)
	}
	if len(r.anyDevice) != 0 {
		t.Fatalf("any_device = %v, want empty", r.anyDevice)
	}

	wantProto := map[model.Proto][]int{model.Tcp: {1, 2}}
	if !reflect.DeepEqual(r.proto, wantProto) {
		t.Fatalf("proto index = %v, want %v", r.proto, wantProto)
	}
	assertIntSet(t, "any_proto", r.anyProto, []int{0, 3, 4})

	wantExe := map[string][]int{"": {3, 4}}
	if !reflect.DeepEqual(r.exe, wantExe) {
		t.Fatalf("exe index = %v, want %v", r.exe, wantExe)
	}
	assertIntSet(t, "any_exe", r.anyExe, []int{0, 1, 2})

	for port := 10; port <= 200; port++ {
		want := []int{3}
		if port == 100 {
			want = []int{3, 4}
		}
		if !reflect.DeepEqual(r.port[uint16(port)], want) {
			t.Fatalf("port[%d] = %v, want %v", port, r.port[uint16(port)], want)
		}
	}
	assertIntSet(t, "any_port", r.anyPort, []int{0, 1, 2})

	if r.defaultTarget != drop() {
		t.Fatalf("default target = %v, want Drop", r.defaultTarget)
	}

	// The rules_indexing scenario's is_acceptable probe: Input/Tcp to
	// 2.2.2.2:100 must match rule 3 (the narrowest /32 + port-range
	// rule), not rule 4 (the /0 any-subnet rule at the same port).
	addr := netip.AddrPortFrom(mustIP("2.2.2.2"), 100)
	ruleIndex, accepted := r.IsAcceptable(model.Input, model.Tcp, addr, 0, "")
	if ruleIndex == nil || *ruleIndex != 3 || !accepted {
		gotIdx := -1
		if ruleIndex != nil {
			gotIdx = *ruleIndex
		}
		t.Fatalf("IsAcceptable = (%d, %v), want (3, true)", gotIdx, accepted)
	}
}

func assertIntSet(t *testing.T, name string, got, want []int) {
	t.Helper()
	g := append([]int(nil), got...)
	w := append([]int(nil), want...)
	sort.Ints(g)
	sort.Ints(w)
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

// TestDefaultDropMatch is spec scenario 1.
func TestDefaultDropMatch(t *testing.T) {
	r := New(drop(), nil, nil)
	addr := netip.AddrPortFrom(mustIP("8.8.8.8"), 80)
	ruleIndex, accepted := r.IsAcceptable(model.Output, model.Tcp, addr, 60, "/usr/bin/curl")
	if ruleIndex != nil || accepted {
		t.Fatalf("got (%v, %v), want (nil, false)", ruleIndex, accepted)
	}
}

// TestFirstMatchWins is spec scenario 2.
func TestFirstMatchWins(t *testing.T) {
	rules := []model.Rule{
		{Proto: protoPtr(model.Tcp), Subnet: model.Subnet{IP: mustIP("0.0.0.0"), Mask: 0}, Target: accept()},
		{Port: portRange(443, 443), Subnet: model.Subnet{IP: mustIP("0.0.0.0"), Mask: 0}, Target: drop()},
	}
	r := New(drop(), rules, nil)
	addr := netip.AddrPortFrom(mustIP("1.2.3.4"), 443)
	ruleIndex, accepted := r.IsAcceptable(model.Output, model.Tcp, addr, 40, "/usr/bin/curl")
	if ruleIndex == nil || *ruleIndex != 0 || !accepted {
		t.Fatalf("got (%v, %v), want (0, true)", ruleIndex, accepted)
	}
}

// TestLongestPrefixRespectsUserOrder is spec scenario 3: both subnet
// rules cover the address, but indexing must not override list order.
func TestLongestPrefixRespectsUserOrder(t *testing.T) {
	rules := []model.Rule{
		{Subnet: model.Subnet{IP: mustIP("10.0.0.0"), Mask: 8}, Target: accept()},
		{Subnet: model.Subnet{IP: mustIP("10.1.0.0"), Mask: 16}, Target: drop()},
	}
	r := New(drop(), rules, nil)
	addr := netip.AddrPortFrom(mustIP("10.1.2.3"), 1234)
	ruleIndex, accepted := r.IsAcceptable(model.Output, model.Tcp, addr, 40, "/usr/bin/curl")
	if ruleIndex == nil || *ruleIndex != 0 || !accepted {
		t.Fatalf("got (%v, %v), want (0, true)", ruleIndex, accepted)
	}
}

// TestRateLimiting is spec scenario 5.
func TestRateLimiting(t *testing.T) {
	rules := []model.Rule{
		{Subnet: model.Subnet{IP: mustIP("0.0.0.0"), Mask: 0}, Target: model.RuleTarget{Kind: model.RateLimit, RateIdx: 0}},
	}
	r := New(drop(), rules, []uint64{1000})
	addr := netip.AddrPortFrom(mustIP("1.2.3.4"), 1234)

	if _, accepted := r.IsAcceptable(model.Output, model.Tcp, addr, 600, "x"); !accepted {
		t.Fatal("first 600-byte packet should fit in a 1000-byte window")
	}
	if _, accepted := r.IsAcceptable(model.Output, model.Tcp, addr, 600, "x"); accepted {
		t.Fatal("second 600-byte packet should overflow the window")
	}

	r.rateBuckets[0].timestamp = r.rateBuckets[0].timestamp.Add(-600 * time.Millisecond)
	if _, accepted := r.IsAcceptable(model.Output, model.Tcp, addr, 600, "x"); !accepted {
		t.Fatal("packet after the window resets should fit again")
	}
}

func TestBucketStrictLessThan(t *testing.T) {
	b := newBucket(1000)
	if !b.stuff(999) {
		t.Fatal("999 < 1000 should fit")
	}
	if b.stuff(1) {
		t.Fatal("999+1 is not strictly less than 1000, must be rejected")
	}
}
