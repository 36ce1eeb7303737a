// Package procindex answers "which process holds this socket inode
// open" in bounded time, per spec §4.C. It is a direct translation of
// original_source/src/proc.rs's ProcCache/INODE_INDEX/PROC_INDEX
// globals into the owned fields of an Index value — per spec §9's
// "Globals in the source" design note, the original's thread-locals
// become plain struct fields here, and the single caller (the packet
// thread) owns the whole struct instead of relying on lazy_static scope.
//
// Index is not safe for concurrent use; it is used exclusively from the
// packet thread (spec §5).
package procindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/googlesky/gleipnird/internal/model"
)

const procRoot = "/proc"

// Index maps socket inode -> model.Process, scanning /proc lazily and
// incrementally as described in spec §4.C's get(inode) algorithm.
type Index struct {
	root string // overridable in tests

	inodeToPID map[uint32]int
	processes  map[int]model.Process

	fresh map[int]struct{} // pids parsed by the most recent scanNew or refreshStale
	stale map[int]struct{} // pids due for refresh_stale
}

// New creates an empty Index rooted at /proc.
func New() *Index {
	return newAt(procRoot)
}

func newAt(root string) *Index {
	return &Index{
		root:       root,
		inodeToPID: make(map[uint32]int),
		processes:  make(map[int]model.Process),
		fresh:      make(map[int]struct{}),
		stale:      make(map[int]struct{}),
	}
}

// Get answers inode -> Process, scanning /proc as needed. It returns
// false when no live process holds that inode.
func (idx *Index) Get(inode uint32) (model.Process, bool) {
	if inode == 0 {
		return model.Process{}, false
	}
	if p, ok := idx.lookup(inode); ok {
		return p, true
	}

	idx.scanNew()
	if p, ok := idx.lookup(inode); ok {
		return p, true
	}

	idx.refreshStale()
	return idx.lookup(inode)
}

func (idx *Index) lookup(inode uint32) (model.Process, bool) {
	pid, ok := idx.inodeToPID[inode]
	if !ok {
		return model.Process{}, false
	}
	p, ok := idx.processes[pid]
	if !ok {
		return model.Process{}, false
	}
	return p.Clone(), true
}

// scanNew enumerates /proc. Every pid known from the previous
// generation (whether last marked fresh or stale) is a candidate for
// eviction unless this scan sees it again: pids seen again move into
// "stale" for later re-parsing by refreshStale, brand-new pids are
// parsed immediately and placed in "fresh", and anything left over
// (known before, absent now) is evicted. This mirrors the garbage-set
// sweep in original_source/src/proc.rs's add_new_proc_to_cache.
func (idx *Index) scanNew() {
	entries, err := os.ReadDir(idx.root)
	if err != nil {
		return
	}

	garbage := make(map[int]struct{}, len(idx.fresh)+len(idx.stale))
	for pid := range idx.fresh {
		garbage[pid] = struct{}{}
	}
	for pid := range idx.stale {
		garbage[pid] = struct{}{}
	}
	idx.fresh = make(map[int]struct{})
	newStale := make(map[int]struct{})

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if _, known := garbage[pid]; known {
			delete(garbage, pid)
			newStale[pid] = struct{}{}
			continue
		}
		proc, ok := parseProcPid(idx.root, pid)
		if !ok {
			continue
		}
		idx.processes[pid] = proc
		for _, inode := range proc.Inodes {
			idx.inodeToPID[inode] = pid
		}
		idx.fresh[pid] = struct{}{}
	}
	idx.stale = newStale

	for pid := range garbage {
		idx.evict(pid)
	}
}

// refreshStale re-parses every pid in the stale generation (refreshing
// its socket inode list), evicting any whose /proc/<pid> directory has
// vanished since scanNew last saw it. Successfully refreshed pids move
// into "fresh", matching refresh_old_proc_in_cache's `new.insert(pid)`.
func (idx *Index) refreshStale() {
	stale := idx.stale
	idx.stale = make(map[int]struct{})

	for pid := range stale {
		path := filepath.Join(idx.root, strconv.Itoa(pid))
		if _, err := os.Stat(path); err != nil {
			idx.evict(pid)
			continue
		}
		proc, ok := parseProcPid(idx.root, pid)
		if !ok {
			idx.evict(pid)
			continue
		}
		idx.processes[pid] = proc
		for _, inode := range proc.Inodes {
			idx.inodeToPID[inode] = pid
		}
		idx.fresh[pid] = struct{}{}
	}
}

func (idx *Index) evict(pid int) {
	proc, ok := idx.processes[pid]
	if !ok {
		return
	}
	for _, inode := range proc.Inodes {
		if idx.inodeToPID[inode] == pid {
			delete(idx.inodeToPID, inode)
		}
	}
	delete(idx.processes, pid)
}

// parseProcPid reads /proc/<pid>/fd, /proc/<pid>/exe, and
// /proc/<pid>/stat, mirroring original_source/src/proc.rs's
// parse_proc_pid. I/O errors abort just this pid (it likely exited
// mid-scan) rather than propagating, per spec §4.C.
func parseProcPid(root string, pid int) (model.Process, bool) {
	pidDir := filepath.Join(root, strconv.Itoa(pid))

	inodes, err := readSocketInodes(filepath.Join(pidDir, "fd"))
	if err != nil {
		return model.Process{}, false
	}

	exe, _ := os.Readlink(filepath.Join(pidDir, "exe")) // empty for kernel threads

	ppid, pgrp, err := readStat(filepath.Join(pidDir, "stat"))
	if err != nil {
		return model.Process{}, false
	}

	return model.Process{
		PID:    pid,
		PPID:   ppid,
		PGRP:   pgrp,
		Exe:    exe,
		Inodes: inodes,
	}, true
}

func readSocketInodes(fdDir string) ([]uint32, error) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, err
	}
	var inodes []uint32
	for _, e := range entries {
		link, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			// This fd vanished between readdir and readlink; skip it,
			// not the whole process.
			continue
		}
		if strings.HasPrefix(link, "socket:[") && strings.HasSuffix(link, "]") {
			n, err := strconv.ParseUint(link[8:len(link)-1], 10, 32)
			if err != nil {
				continue
			}
			inodes = append(inodes, uint32(n))
		}
	}
	return inodes, nil
}

// readStat returns (ppid, pgrp) from /proc/<pid>/stat. Per the man page,
// the fields after the last ')' (closing the possibly-space-containing
// comm field) are whitespace separated starting at state (field 3); the
// 2nd and 3rd tokens after that split (fields 4 and 5) are ppid and pgrp.
func readStat(path string) (ppid, pgrp int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 512)
	line, _ := r.ReadString('\n')

	idx := strings.LastIndex(line, ")")
	if idx < 0 {
		return 0, 0, fmt.Errorf("procindex: malformed stat line")
	}
	fields := strings.Fields(line[idx+1:])
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("procindex: stat line too short after comm")
	}
	ppid, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	pgrp, err = strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, err
	}
	return ppid, pgrp, nil
}
