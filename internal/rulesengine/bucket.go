package rulesengine

import "time"

// windowPeriod is the sliding window a rate-limit rule's budget resets
// on, per spec §4.F.
const windowPeriod = 500 * time.Millisecond

// bucket is a single rate-limit rule's token budget: fewer than limit
// bytes may be charged within any windowPeriod window. It is grounded
// on gleipnird/src/rules.rs's Bucket, translated field for field; the
// only behavioral change is using time.Duration/time.Time in place of
// std::time::Instant, which carries the same monotonic guarantee.
type bucket struct {
	bytes     uint64
	timestamp time.Time
	limit     uint64
}

func newBucket(limit uint64) *bucket {
	return &bucket{timestamp: time.Now(), limit: limit}
}

// stuff charges size bytes against the budget, returning whether the
// charge fit. The strict less-than against limit matches the original:
// a charge that would make the window exactly equal to the limit is
// rejected, not just one that would exceed it.
func (b *bucket) stuff(size uint64) bool {
	if b.currentBytes()+size < b.limit {
		b.bytes += size
		return true
	}
	return false
}

// currentBytes resets the window if it has elapsed and returns the
// bytes charged within the current window.
func (b *bucket) currentBytes() uint64 {
	now := time.Now()
	if b.timestamp.Add(windowPeriod).Before(now) || b.timestamp.Add(windowPeriod).Equal(now) {
		b.timestamp = now
		b.bytes = 0
	}
	return b.bytes
}
