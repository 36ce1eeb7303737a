package snapshot

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestCellBasic(t *testing.T) {
	r, w := New(0)

	g := r.Read()
	if got := *g.Value(); got != 0 {
		t.Fatalf("initial read = %d, want 0", got)
	}
	g.Close()

	w.Set(1)
	g = r.Read()
	if got := *g.Value(); got != 1 {
		t.Fatalf("after Set(1), read = %d, want 1", got)
	}
	g.Close()

	w.Set(2)
	g = r.Read()
	if got := *g.Value(); got != 2 {
		t.Fatalf("after Set(2), read = %d, want 2", got)
	}
	g.Close()
}

func TestCellMultipleReadersPanics(t *testing.T) {
	r, _ := New(0)
	_ = r.Read() // never closed

	defer func() {
		if recovered := recover(); recovered != ErrMultipleReaders {
			t.Fatalf("recover() = %v, want %v", recovered, ErrMultipleReaders)
		}
	}()
	r.Read()
}

// TestCellSwapUnderRead is scenario 6 from the spec: one reader loops
// tightly while one writer performs many Sets; every read must observe
// a fully-formed value and every Set must terminate.
func TestCellSwapUnderRead(t *testing.T) {
	type payload struct {
		a, b, c int
	}
	const iterations = 10000

	r, w := New(payload{})

	var stop atomic.Bool
	var readErr atomic.Value

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			g := r.Read()
			v := *g.Value()
			if v.a != v.b || v.b != v.c {
				readErr.Store(v)
				g.Close()
				return
			}
			g.Close()
		}
	}()

	for i := 1; i <= iterations; i++ {
		w.Set(payload{a: i, b: i, c: i})
	}
	stop.Store(true)
	wg.Wait()

	if v := readErr.Load(); v != nil {
		t.Fatalf("reader observed a torn value: %+v", v)
	}
}
