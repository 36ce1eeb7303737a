package rulesengine

import (
	"net/netip"
	"sort"

	"github.com/googlesky/gleipnird/internal/model"
)

// ipIndex is a longest-prefix-match index over one address family,
// standing in for original_source's treebitmap::IpLookupTable. Rule
// subnets are grouped by (masked address, mask length) at build time;
// a lookup tries mask lengths from longest to shortest and collects
// every bucket whose masked address equals the candidate address
// masked to that same length (see longestMatch), expressed as linear
// search over the handful of distinct prefix lengths a rule set
// actually uses rather than a trie, since rule counts here are small
// relative to a full BGP table.
type ipIndex struct {
	buckets map[uint8]map[netip.Addr][]int
	lengths []uint8 // populated by finalize, sorted longest-first
}

func newIPIndex() *ipIndex {
	return &ipIndex{buckets: make(map[uint8]map[netip.Addr][]int)}
}

func (idx *ipIndex) insert(masked netip.Addr, maskLen uint8, ruleIndex int) {
	m, ok := idx.buckets[maskLen]
	if !ok {
		m = make(map[netip.Addr][]int)
		idx.buckets[maskLen] = m
	}
	m[masked] = append(m[masked], ruleIndex)
}

func (idx *ipIndex) finalize() {
	idx.lengths = idx.lengths[:0]
	for length := range idx.buckets {
		idx.lengths = append(idx.lengths, length)
	}
	sort.Slice(idx.lengths, func(i, j int) bool { return idx.lengths[i] > idx.lengths[j] })
}

// longestMatch returns the union of candidate rule indexes across every
// prefix length whose masked address contains addr, not just the most
// specific one: axis selection picks the IP axis by candidate-set
// size and then verifies each candidate with Rule.MatchOne, so the set
// returned here must be a superset of every rule that could match,
// including a broader, earlier-indexed subnet that also contains addr.
// Stopping at the first (longest) hit would drop that broader rule
// from consideration whenever the IP axis is the one selected.
func (idx *ipIndex) longestMatch(addr netip.Addr) []int {
	var candidates []int
	for _, length := range idx.lengths {
		masked := model.MaskAddr(addr, length)
		if ids, ok := idx.buckets[length][masked]; ok {
			candidates = append(candidates, ids...)
		}
	}
	return candidates
}
