// Package snapshot implements the wait-free single-reader/single-writer
// value handoff described in spec §4.A: the packet thread reads the
// current ruleset with no locks and no allocation, while the control
// thread installs a replacement without ever blocking the reader.
//
// The original daemon (gleipnird/src/ablock.rs) does this with an
// unsafe raw-pointer double buffer because Rust needs `unsafe` to get a
// mutable reference to one of two fixed slots through a shared
// reference. Go has no such restriction — two fields of type T behind a
// struct need no raw pointers — so Cell keeps the same two-slot/state-word
// design and drops the unsafe entirely.
package snapshot

import (
	"sync/atomic"
)

// state bits, mirroring ablock.rs's AbState:
//
//	bit 2 (0b100): which slot is active (0 = a, 1 = b)
//	bit 0 (0b001): reader-in-active-slot count (0 or 1; never more)
const (
	sideBit = 0b100
	readBit = 0b001
)

// Cell is the two-slot handoff. The zero value is not usable; construct
// one with New.
type Cell[T any] struct {
	a, b  T
	state atomic.Uint32
}

// Reader is the single-reader handle. It must not be shared across
// goroutines: at most one live Guard may exist at a time, and calling
// Read while a Guard from the same Reader is still open panics.
type Reader[T any] struct {
	cell *Cell[T]
}

// Writer is the single-writer handle.
type Writer[T any] struct {
	cell *Cell[T]
}

// New creates a Cell holding initial and returns its Reader and Writer
// handles.
func New[T any](initial T) (*Reader[T], *Writer[T]) {
	c := &Cell[T]{a: initial}
	return &Reader[T]{cell: c}, &Writer[T]{cell: c}
}

// Guard borrows the cell's current value. The reader must Close it
// before calling Read again.
type Guard[T any] struct {
	value *T
	cell  *Cell[T]
}

// Value returns the borrowed value.
func (g Guard[T]) Value() *T { return g.value }

// Close releases the guard, letting a spinning Writer.Set proceed past
// this slot.
func (g Guard[T]) Close() {
	g.cell.state.Add(^uint32(0)) // fetch_sub(1)
}

// Read returns a Guard over the current value. Calling Read while a
// previously returned Guard from the same Reader has not been Closed
// panics with ErrMultipleReaders: the packet thread is expected to be
// single-threaded, so this always indicates a bug in the caller rather
// than a condition to recover from.
func (r *Reader[T]) Read() Guard[T] {
	prev := r.cell.state.Add(1) - 1
	switch prev {
	case 0b000:
		return Guard[T]{value: &r.cell.a, cell: r.cell}
	case 0b100:
		return Guard[T]{value: &r.cell.b, cell: r.cell}
	default:
		panic(ErrMultipleReaders)
	}
}

// Set installs value as the new current value, writing into the
// currently-inactive slot and then spinning on a compare-and-swap until
// the active slot has no live reader before flipping the active-slot
// bit. It returns only once the new value is visible to the next Read.
func (w *Writer[T]) Set(value T) {
	cur := w.cell.state.Load() & sideBit
	next := cur ^ sideBit
	if cur == 0 {
		w.cell.b = value
	} else {
		w.cell.a = value
	}
	for !w.cell.state.CompareAndSwap(cur, next) {
	}
}
