package fs

import (
	"encoding/binary"
	"hash/fnv"
	iofs "io/fs"
	"time"
)

// Timespec is a guest struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// TimespecOf converts t.
func TimespecOf(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Nanos returns the timestamp in nanoseconds since the epoch.
func (ts Timespec) Nanos() uint64 {
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// Stat is file metadata in guest terms.
type Stat struct {
	Atime   Timespec
	Mtime   Timespec
	Ctime   Timespec
	Ino     uint64
	Size    int64
	Dev     uint32
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint32
	Blksize uint32
	Blocks  uint32
}

// StatSize is sizeof(struct stat) for Emscripten wasm32.
const StatSize = 96

// FilestatSize is sizeof(__wasi_filestat_t).
const FilestatSize = 64

// blocksFor returns ceil(size/BlockSize).
func blocksFor(size int64) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + BlockSize - 1) / BlockSize)
}

// syntheticIno derives a stable inode from the file key when the platform
// reports none.
func syntheticIno(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	if v := h.Sum64(); v != 0 {
		return v
	}
	return 1
}

// modeOf converts Go file mode bits to st_mode.
func modeOf(m iofs.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m&iofs.ModeDir != 0:
		mode |= SIfDir
	case m&iofs.ModeSymlink != 0:
		mode |= SIfLnk
	case m&iofs.ModeNamedPipe != 0:
		mode |= SIfIfo
	case m&iofs.ModeSocket != 0:
		mode |= SIfSock
	case m&iofs.ModeCharDevice != 0:
		mode |= SIfChr
	case m&iofs.ModeDevice != 0:
		mode |= SIfBlk
	default:
		mode |= SIfReg
	}
	if m&iofs.ModeSetuid != 0 {
		mode |= 04000
	}
	if m&iofs.ModeSetgid != 0 {
		mode |= 02000
	}
	if m&iofs.ModeSticky != 0 {
		mode |= 01000
	}
	return mode
}

// statFromInfo builds a Stat from portable metadata only.
func statFromInfo(key string, fi iofs.FileInfo) Stat {
	mt := TimespecOf(fi.ModTime())
	return Stat{
		Dev:     0,
		Ino:     syntheticIno(key),
		Mode:    modeOf(fi.Mode()),
		Nlink:   1,
		Size:    fi.Size(),
		Blksize: BlockSize,
		Blocks:  blocksFor(fi.Size()),
		Atime:   mt,
		Mtime:   mt,
		Ctime:   mt,
	}
}

// streamStat describes a stdio stream as a character device.
func streamStat(fd int32) Stat {
	now := TimespecOf(time.Now())
	return Stat{
		Ino:     uint64(fd) + 1,
		Mode:    SIfChr | 0o620,
		Nlink:   1,
		Blksize: BlockSize,
		Atime:   now,
		Mtime:   now,
		Ctime:   now,
	}
}

// IsDir reports whether the mode describes a directory.
func (s Stat) IsDir() bool { return s.Mode&SIfMt == SIfDir }

// EncodeEmscripten writes s in the Emscripten wasm32 struct stat layout.
// b must hold StatSize bytes.
func (s Stat) EncodeEmscripten(b []byte) {
	le := binary.LittleEndian
	_ = b[StatSize-1]
	le.PutUint32(b[0:], s.Dev)
	le.PutUint32(b[4:], s.Mode)
	le.PutUint32(b[8:], s.Nlink)
	le.PutUint32(b[12:], s.UID)
	le.PutUint32(b[16:], s.GID)
	le.PutUint32(b[20:], s.Rdev)
	le.PutUint64(b[24:], uint64(s.Size))
	le.PutUint32(b[32:], s.Blksize)
	le.PutUint32(b[36:], s.Blocks)
	putTimespec(b[40:], s.Atime)
	putTimespec(b[56:], s.Mtime)
	putTimespec(b[72:], s.Ctime)
	le.PutUint64(b[88:], s.Ino)
}

func putTimespec(b []byte, ts Timespec) {
	binary.LittleEndian.PutUint64(b[0:], uint64(ts.Sec))
	binary.LittleEndian.PutUint32(b[8:], uint32(ts.Nsec))
	binary.LittleEndian.PutUint32(b[12:], 0)
}

// WASI file types.
const (
	FiletypeUnknown         uint8 = 0
	FiletypeBlockDevice     uint8 = 1
	FiletypeCharacterDevice uint8 = 2
	FiletypeDirectory       uint8 = 3
	FiletypeRegularFile     uint8 = 4
	FiletypeSocketDgram     uint8 = 5
	FiletypeSocketStream    uint8 = 6
	FiletypeSymbolicLink    uint8 = 7
)

// Filetype maps st_mode to a WASI filetype.
func (s Stat) Filetype() uint8 {
	switch s.Mode & SIfMt {
	case SIfDir:
		return FiletypeDirectory
	case SIfReg:
		return FiletypeRegularFile
	case SIfChr:
		return FiletypeCharacterDevice
	case SIfBlk:
		return FiletypeBlockDevice
	case SIfLnk:
		return FiletypeSymbolicLink
	case SIfSock:
		return FiletypeSocketStream
	default:
		return FiletypeUnknown
	}
}

// EncodeWASI writes s as a __wasi_filestat_t. b must hold FilestatSize bytes.
func (s Stat) EncodeWASI(b []byte) {
	le := binary.LittleEndian
	_ = b[FilestatSize-1]
	le.PutUint64(b[0:], uint64(s.Dev))
	le.PutUint64(b[8:], s.Ino)
	b[16] = s.Filetype()
	for i := 17; i < 24; i++ {
		b[i] = 0
	}
	le.PutUint64(b[24:], uint64(s.Nlink))
	le.PutUint64(b[32:], uint64(s.Size))
	le.PutUint64(b[40:], s.Atime.Nanos())
	le.PutUint64(b[48:], s.Mtime.Nanos())
	le.PutUint64(b[56:], s.Ctime.Nanos())
}
