package logfeed

import (
	"net/netip"
	"testing"

	"github.com/googlesky/gleipnird/internal/model"
)

func sampleReport(n int) model.PackageReport {
	return model.PackageReport{
		Device:   model.Output,
		Protocol: model.Tcp,
		Addr:     netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(n)),
		Len:      n,
		Exe:      "/usr/bin/curl",
	}
}

func TestTrySendAndReceive(t *testing.T) {
	f := New(4)
	f.TrySend(sampleReport(1))
	got, ok := f.Receive()
	if !ok || got.Len != 1 {
		t.Fatalf("got (%+v, %v)", got, ok)
	}
}

func TestTrySendPanicsWhenFull(t *testing.T) {
	f := New(1)
	f.TrySend(sampleReport(1))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on a full channel")
		}
	}()
	f.TrySend(sampleReport(2))
}

func TestDrainBatchesUpToMax(t *testing.T) {
	f := New(8)
	for i := 1; i <= 5; i++ {
		f.TrySend(sampleReport(i))
	}
	batch := f.Drain(3)
	if len(batch) != 3 {
		t.Fatalf("got %d reports, want 3", len(batch))
	}
	rest := f.Drain(10)
	if len(rest) != 2 {
		t.Fatalf("got %d remaining reports, want 2", len(rest))
	}
}

func TestReceiveAfterCloseDrainsThenFalse(t *testing.T) {
	f := New(2)
	f.TrySend(sampleReport(1))
	f.Close()

	if _, ok := f.Receive(); !ok {
		t.Fatal("expected the buffered report before close signals done")
	}
	if _, ok := f.Receive(); ok {
		t.Fatal("expected ok=false once drained and closed")
	}
}
