package procindex

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFakeProc builds a minimal fake /proc/<pid> tree: an fd dir with
// one socket symlink, an exe symlink, and a stat file.
func writeFakeProc(t *testing.T, root string, pid int, inode uint32, comm string, ppid, pgrp int) {
	t.Helper()
	pidDir := filepath.Join(root, itoa(pid))
	fdDir := filepath.Join(pidDir, "fd")
	if err := os.MkdirAll(fdDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("socket:["+itoa(int(inode))+"]", filepath.Join(fdDir, "3")); err != nil {
		t.Fatal(err)
	}
	exeTarget := filepath.Join(root, "fake-exe")
	if err := os.WriteFile(exeTarget, []byte{}, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(exeTarget, filepath.Join(pidDir, "exe")); err != nil {
		t.Fatal(err)
	}
	stat := "(" + comm + ") S " + itoa(ppid) + " " + itoa(pgrp) + " 0 0 0 0 0\n"
	if err := os.WriteFile(filepath.Join(pidDir, "stat"), []byte(itoa(pid)+" "+stat), 0o644); err != nil {
		t.Fatal(err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestIndexGetFindsFreshProcess(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 1234, 999, "myproc", 1, 1234)

	idx := newAt(root)
	p, ok := idx.Get(999)
	if !ok {
		t.Fatal("expected to find process for inode 999")
	}
	if p.PID != 1234 || p.PPID != 1 || p.PGRP != 1234 {
		t.Fatalf("got %+v", p)
	}
	if len(p.Inodes) != 1 || p.Inodes[0] != 999 {
		t.Fatalf("got inodes %v", p.Inodes)
	}
}

func TestIndexGetMissingInodeIsZeroAndFalse(t *testing.T) {
	idx := newAt(t.TempDir())
	if _, ok := idx.Get(0); ok {
		t.Fatal("inode 0 must never resolve")
	}
}

func TestIndexEvictsOnProcessExit(t *testing.T) {
	root := t.TempDir()
	writeFakeProc(t, root, 42, 500, "gone-soon", 1, 42)

	idx := newAt(root)
	if _, ok := idx.Get(500); !ok {
		t.Fatal("expected initial lookup to succeed")
	}

	// The first Get parsed pid 42 into "fresh". Once its directory is
	// gone, the next scanNew sees it missing from /proc and evicts it
	// directly (scanNew's garbage sweep), without needing refreshStale.
	if err := os.RemoveAll(filepath.Join(root, "42")); err != nil {
		t.Fatal(err)
	}
	idx.scanNew()

	if _, ok := idx.Get(500); ok {
		t.Fatal("expected inode to be evicted after process exit")
	}
}
