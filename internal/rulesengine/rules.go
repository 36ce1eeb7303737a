// Package rulesengine implements the indexed matcher from spec §4.F:
// per-axis inverted indexes over device/proto/exe/port plus a
// longest-prefix-match index per IP family, a capacity-2048
// match-result LRU, and the per-rate-rule token buckets.
//
// Grounded on gleipnird/src/rules.rs's IndexedRules end to end,
// including the axis-selection algorithm (minimum |exact|+|any|) and
// the rules_indexing unit test, which is ported as TestIndexedRulesBuild
// in rules_test.go.
package rulesengine

import (
	"hash/fnv"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/googlesky/gleipnird/internal/model"
)

// cacheCapacity is the match-result LRU's capacity, per spec §4.F.
const cacheCapacity = 2048

// matchResult is what the result LRU caches: the winning rule's index
// (nil when only the default target fired) and its target.
type matchResult struct {
	ruleIndex *int
	target    model.RuleTarget
}

// IndexedRules is the compiled, queryable form of a model.Rules value.
// It is built once per control-plane update and handed to the snapshot
// writer; per spec §5 it is read from exactly one thread (the packet
// thread) for its lifetime, so none of its mutable state (the result
// cache, the rate buckets) needs synchronization.
type IndexedRules struct {
	device    map[model.Device][]int
	anyDevice []int
	proto     map[model.Proto][]int
	anyProto  []int
	exe       map[string][]int
	anyExe    []int
	port      map[uint16][]int
	anyPort   []int
	v4        *ipIndex
	anyV4     []int
	v6        *ipIndex
	anyV6     []int

	raw           []model.Rule
	defaultTarget model.RuleTarget

	rateBuckets []*bucket
	cache       *lru.Cache[uint64, matchResult]
}

// New compiles rules into an IndexedRules. rateLimits is the ordered
// list of byte budgets a Rule's RuleTarget{Kind: RateLimit} may index
// into, mirroring model.Rules.RateRules.
func New(defaultTarget model.RuleTarget, rules []model.Rule, rateLimits []uint64) *IndexedRules {
	cache, err := lru.New[uint64, matchResult](cacheCapacity)
	if err != nil {
		// lru.New only fails for a non-positive size; cacheCapacity is a
		// positive constant, so this is unreachable.
		panic(err)
	}

	r := &IndexedRules{
		device:        make(map[model.Device][]int),
		proto:         make(map[model.Proto][]int),
		exe:           make(map[string][]int),
		port:          make(map[uint16][]int),
		v4:            newIPIndex(),
		v6:            newIPIndex(),
		raw:           rules,
		defaultTarget: defaultTarget,
		cache:         cache,
	}

	for _, limit := range rateLimits {
		r.rateBuckets = append(r.rateBuckets, newBucket(limit))
	}

	v4Groups := make(map[model.Subnet][]int)
	v6Groups := make(map[model.Subnet][]int)

	for index, rule := range rules {
		if rule.Device != nil {
			r.device[*rule.Device] = append(r.device[*rule.Device], index)
		} else {
			r.anyDevice = append(r.anyDevice, index)
		}

		if rule.Proto != nil {
			r.proto[*rule.Proto] = append(r.proto[*rule.Proto], index)
		} else {
			r.anyProto = append(r.anyProto, index)
		}

		if rule.Exe != nil {
			r.exe[*rule.Exe] = append(r.exe[*rule.Exe], index)
		} else {
			r.anyExe = append(r.anyExe, index)
		}

		if rule.Port != nil {
			for port := int(rule.Port.Lo); port <= int(rule.Port.Hi); port++ {
				r.port[uint16(port)] = append(r.port[uint16(port)], index)
			}
		} else {
			r.anyPort = append(r.anyPort, index)
		}

		masked := model.MaskAddr(rule.Subnet.IP, rule.Subnet.Mask)
		key := model.Subnet{IP: masked, Mask: rule.Subnet.Mask}
		if masked.Is4() {
			v4Groups[key] = append(v4Groups[key], index)
		} else {
			v6Groups[key] = append(v6Groups[key], index)
		}
	}

	for subnet, indexes := range v4Groups {
		for _, idx := range indexes {
			r.v4.insert(subnet.IP, subnet.Mask, idx)
		}
	}
	for subnet, indexes := range v6Groups {
		for _, idx := range indexes {
			r.v6.insert(subnet.IP, subnet.Mask, idx)
		}
	}
	r.v4.finalize()
	r.v6.finalize()

	return r
}

// FromRules compiles a model.Rules control-plane payload directly.
func FromRules(r model.Rules) *IndexedRules {
	limits := make([]uint64, len(r.RateRules))
	for i, rr := range r.RateRules {
		limits[i] = rr.Limit
	}
	return New(r.DefaultTarget, r.Rules, limits)
}

// IsAcceptable is the matcher's entry point (spec §4.F's is_acceptable):
// classify (device, protocol, addr, exe), charging len bytes against a
// RateLimit target's bucket, and report whether the packet is accepted
// along with which rule (if any) decided it.
func (r *IndexedRules) IsAcceptable(device model.Device, protocol model.Proto, addr netip.AddrPort, length int, exe string) (ruleIndex *int, accept bool) {
	key := resultKey(device, protocol, addr, exe)

	result, ok := r.cache.Get(key)
	if !ok {
		result = r.matchTarget(device, protocol, addr, exe)
		r.cache.Add(key, result)
	}

	switch result.target.Kind {
	case model.Accept:
		return result.ruleIndex, true
	case model.Drop:
		return result.ruleIndex, false
	case model.RateLimit:
		return result.ruleIndex, r.rateBuckets[result.target.RateIdx].stuff(uint64(length))
	default:
		return result.ruleIndex, false
	}
}

// matchTarget runs the axis-selection-then-verify algorithm from spec
// §4.F steps 2-5.
func (r *IndexedRules) matchTarget(device model.Device, protocol model.Proto, addr netip.AddrPort, exe string) matchResult {
	exactDevice := r.device[device]
	exactProto := r.proto[protocol]
	exactExe := r.exe[exe]
	exactPort := r.port[addr.Port()]

	var exactIP, anyIP []int
	if addr.Addr().Is4() {
		exactIP = r.v4.longestMatch(addr.Addr())
		anyIP = r.anyV4
	} else {
		exactIP = r.v6.longestMatch(addr.Addr())
		anyIP = r.anyV6
	}

	type axis struct {
		exact, any []int
	}
	axes := [5]axis{
		{exactDevice, r.anyDevice},
		{exactProto, r.anyProto},
		{exactExe, r.anyExe},
		{exactPort, r.anyPort},
		{exactIP, anyIP},
	}

	best := 0
	bestSize := len(axes[0].exact) + len(axes[0].any)
	for i := 1; i < len(axes); i++ {
		size := len(axes[i].exact) + len(axes[i].any)
		if size < bestSize {
			best = i
			bestSize = size
		}
	}

	bestIndex := -1
	var bestTarget model.RuleTarget
	consider := func(id int) {
		target, ok := r.raw[id].MatchOne(device, protocol, addr.Addr(), addr.Port(), exe)
		if !ok {
			return
		}
		if bestIndex == -1 || id < bestIndex {
			bestIndex = id
			bestTarget = target
		}
	}
	for _, id := range axes[best].exact {
		consider(id)
	}
	for _, id := range axes[best].any {
		consider(id)
	}

	if bestIndex == -1 {
		return matchResult{ruleIndex: nil, target: r.defaultTarget}
	}
	idx := bestIndex
	return matchResult{ruleIndex: &idx, target: bestTarget}
}

// resultKey hashes (device, proto, addr, exe) into the result LRU's key
// space, matching the field set hashed by is_acceptable's DefaultHasher
// call.
func resultKey(device model.Device, protocol model.Proto, addr netip.AddrPort, exe string) uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(device), byte(protocol)})
	ip := addr.Addr().As16()
	h.Write(ip[:])
	var port [2]byte
	port[0] = byte(addr.Port())
	port[1] = byte(addr.Port() >> 8)
	h.Write(port[:])
	h.Write([]byte(exe))
	return h.Sum64()
}
