package memory

import (
	"io"
)

// IOVec is one (buf, len) region as laid out by both WASI and Emscripten:
// two little-endian u32 fields, 8 bytes total.
type IOVec struct {
	Buf uint32
	Len uint32
}

// IOVecSize is the in-memory size of one IOVec.
const IOVecSize = 8

// PositionStrategy selects whether a vectored transfer moves the channel's
// position (read/write) or uses an explicit offset (pread/pwrite).
type PositionStrategy uint8

const (
	ChangePosition PositionStrategy = iota
	DoNotChangePosition
)

func (s PositionStrategy) String() string {
	if s == DoNotChangePosition {
		return "do-not-change-position"
	}
	return "change-position"
}

// Channel is the host side of a vectored transfer.
type Channel interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.WriterAt
}

// ReadIOVecs decodes count iovecs starting at ptr.
func (a *Accessor) ReadIOVecs(ptr, count uint32) []IOVec {
	raw := a.viewArray(ptr, count, IOVecSize)
	iovs := make([]IOVec, count)
	for i := range iovs {
		off := i * IOVecSize
		iovs[i] = IOVec{
			Buf: leU32(raw[off:]),
			Len: leU32(raw[off+4:]),
		}
	}
	return iovs
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadV fills the guest regions from ch. With ChangePosition it reads
// sequentially through ch; otherwise it reads at offset, offset+n, ...
// without moving ch. The loop stops at the first region that is not
// completely filled. EOF is not an error.
func (a *Accessor) ReadV(ch Channel, iovs []IOVec, strategy PositionStrategy, offset int64) (uint32, error) {
	var total uint32
	for _, iov := range iovs {
		if iov.Len == 0 {
			continue
		}
		buf := a.view(iov.Buf, iov.Len)
		var n int
		var err error
		if strategy == ChangePosition {
			n, err = ch.Read(buf)
		} else {
			n, err = ch.ReadAt(buf, offset+int64(total))
		}
		total += uint32(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if uint32(n) < iov.Len {
			break
		}
	}
	return total, nil
}

// WriteV drains the guest regions into ch, with the same position rules
// as ReadV. A short write stops the loop.
func (a *Accessor) WriteV(ch Channel, iovs []IOVec, strategy PositionStrategy, offset int64) (uint32, error) {
	var total uint32
	for _, iov := range iovs {
		if iov.Len == 0 {
			continue
		}
		buf := a.view(iov.Buf, iov.Len)
		var n int
		var err error
		if strategy == ChangePosition {
			n, err = ch.Write(buf)
		} else {
			n, err = ch.WriteAt(buf, offset+int64(total))
		}
		total += uint32(n)
		if err != nil {
			return total, err
		}
		if uint32(n) < iov.Len {
			break
		}
	}
	return total, nil
}
