// Package logfeed is the lock-free bounded channel carrying
// model.PackageReport values from the packet dispatcher (T1) to the RPC
// fan-out (T2), per spec §4.H. A Go buffered channel already gives the
// MPSC-at-the-runtime-level semantics the original's async channel
// provided; this package only adds the non-blocking send and
// invariant-breach policy the spec calls for.
package logfeed

import "github.com/googlesky/gleipnird/internal/model"

// Feed is a bounded, single-producer/single-consumer report channel.
type Feed struct {
	ch chan model.PackageReport
}

// New creates a Feed with the given buffer capacity.
func New(capacity int) *Feed {
	return &Feed{ch: make(chan model.PackageReport, capacity)}
}

// TrySend delivers report without blocking. Per spec §5/§9, the packet
// thread (T1) must never block on the log channel; a full channel means
// the consumer (T2) is falling behind an invariant the caller of New
// is expected to prevent by sizing the buffer, so TrySend panics rather
// than silently drop a report.
func (f *Feed) TrySend(report model.PackageReport) {
	select {
	case f.ch <- report:
	default:
		panic("logfeed: channel full, consumer is not keeping up")
	}
}

// Receive blocks until a report is available or the feed is closed, in
// which case ok is false.
func (f *Feed) Receive() (report model.PackageReport, ok bool) {
	report, ok = <-f.ch
	return report, ok
}

// Drain removes up to max buffered reports without blocking, for T2's
// batch-forwarding loop.
func (f *Feed) Drain(max int) []model.PackageReport {
	var batch []model.PackageReport
	for len(batch) < max {
		select {
		case report, ok := <-f.ch:
			if !ok {
				return batch
			}
			batch = append(batch, report)
		default:
			return batch
		}
	}
	return batch
}

// Close closes the underlying channel, signaling T2 to exit once it has
// drained what remains.
func (f *Feed) Close() {
	close(f.ch)
}
