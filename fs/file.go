package fs

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasm-sqlite/errno"
	"github.com/wippyai/wasm-sqlite/memory"
)

// File is an open file description. Several descriptors share one File
// after dup; the stored position is shared between them.
type File struct {
	host   *os.File
	reader io.Reader
	writer io.Writer
	path   string
	pos    int64
	mu     sync.Mutex
	refs   atomic.Int32
	flags  atomic.Int32
	dir    bool
}

func newHostFile(host *os.File, path string, flags int32, dir bool) *File {
	f := &File{host: host, path: path, dir: dir}
	f.flags.Store(flags)
	f.refs.Store(1)
	return f
}

func newStream(path string, r io.Reader, w io.Writer) *File {
	flags := ORdOnly
	if w != nil {
		flags = OWrOnly
	}
	f := &File{reader: r, writer: w, path: path}
	f.flags.Store(flags)
	f.refs.Store(1)
	return f
}

// Path returns the guest path the file was opened with.
func (f *File) Path() string { return f.path }

// IsDir reports whether the file is a directory.
func (f *File) IsDir() bool { return f.dir }

// IsStream reports whether the file is a non-seekable stdio stream.
func (f *File) IsStream() bool { return f.host == nil }

// Position returns the stored file position.
func (f *File) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *File) acquire() *File {
	f.refs.Add(1)
	return f
}

// release drops one reference and closes the host file with the last one.
func (f *File) release() error {
	if f.refs.Add(-1) > 0 || f.host == nil {
		return nil
	}
	return f.host.Close()
}

func (f *File) canRead() bool {
	acc := f.flags.Load() & OAccMode
	return acc == ORdOnly || acc == ORdWr
}

func (f *File) canWrite() bool {
	acc := f.flags.Load() & OAccMode
	return acc == OWrOnly || acc == ORdWr
}

// cursor adapts a File to memory.Channel. Sequential calls go through the
// stored position, which the caller protects with f.mu.
type cursor struct {
	f *File
}

var _ memory.Channel = cursor{}

func (c cursor) Read(p []byte) (int, error) {
	f := c.f
	if f.host == nil {
		if f.reader == nil {
			return 0, errno.EBADF
		}
		return f.reader.Read(p)
	}
	n, err := f.host.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (c cursor) Write(p []byte) (int, error) {
	f := c.f
	if f.host == nil {
		if f.writer == nil {
			return 0, errno.EBADF
		}
		return f.writer.Write(p)
	}
	if f.flags.Load()&OAppend != 0 {
		fi, err := f.host.Stat()
		if err != nil {
			return 0, err
		}
		f.pos = fi.Size()
	}
	n, err := f.host.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (c cursor) ReadAt(p []byte, off int64) (int, error) {
	if c.f.host == nil {
		return 0, errno.ESPIPE
	}
	return c.f.host.ReadAt(p, off)
}

func (c cursor) WriteAt(p []byte, off int64) (int, error) {
	if c.f.host == nil {
		return 0, errno.ESPIPE
	}
	return c.f.host.WriteAt(p, off)
}
