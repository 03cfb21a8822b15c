package fs

import (
	"sync"

	"github.com/willf/bitset"

	"github.com/wippyai/wasm-sqlite/errno"
)

// DefaultMaxFiles bounds the descriptor table when Config.MaxFiles is zero.
const DefaultMaxFiles = 1024

type fdEntry struct {
	file    *File
	cloExec bool
}

// FdTable maps guest descriptors to open files. New descriptors always get
// the lowest free number, as POSIX requires.
type FdTable struct {
	used    *bitset.BitSet
	entries map[int32]*fdEntry
	mu      sync.Mutex
	max     int32
}

// NewFdTable creates an empty table holding at most max descriptors.
func NewFdTable(max int32) *FdTable {
	if max <= 0 {
		max = DefaultMaxFiles
	}
	return &FdTable{
		used:    bitset.New(uint(max)),
		entries: make(map[int32]*fdEntry),
		max:     max,
	}
}

// Insert binds f to the lowest free descriptor not below min.
func (t *FdTable) Insert(f *File, min int32, cloExec bool) (int32, errno.Errno) {
	if min < 0 {
		return -1, errno.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, ok := t.used.NextClear(uint(min))
	if !ok || next >= uint(t.max) {
		return -1, errno.EMFILE
	}
	fd := int32(next)
	t.used.Set(next)
	t.entries[fd] = &fdEntry{file: f, cloExec: cloExec}
	return fd, errno.ESUCCESS
}

// Get returns the file bound to fd.
func (t *FdTable) Get(fd int32) (*File, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return nil, errno.EBADF
	}
	return e.file, errno.ESUCCESS
}

// Remove unbinds fd and returns the file it referred to.
func (t *FdTable) Remove(fd int32) (*File, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return nil, errno.EBADF
	}
	delete(t.entries, fd)
	t.used.Clear(uint(fd))
	return e.file, errno.ESUCCESS
}

// CloExec reports the FD_CLOEXEC flag of fd.
func (t *FdTable) CloExec(fd int32) (bool, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return false, errno.EBADF
	}
	return e.cloExec, errno.ESUCCESS
}

// SetCloExec updates the FD_CLOEXEC flag of fd.
func (t *FdTable) SetCloExec(fd int32, v bool) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return errno.EBADF
	}
	e.cloExec = v
	return errno.ESUCCESS
}

// Len returns the number of open descriptors.
func (t *FdTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// drain removes every descriptor and returns the files in no particular order.
func (t *FdTable) drain() []*File {
	t.mu.Lock()
	defer t.mu.Unlock()
	files := make([]*File, 0, len(t.entries))
	for fd, e := range t.entries {
		files = append(files, e.file)
		t.used.Clear(uint(fd))
	}
	t.entries = make(map[int32]*fdEntry)
	return files
}
