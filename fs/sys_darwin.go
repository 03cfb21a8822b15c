package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

func fromUnix(key string, st *unix.Stat_t) Stat {
	s := Stat{
		Dev:     uint32(st.Dev),
		Ino:     st.Ino,
		Mode:    uint32(st.Mode),
		Nlink:   uint32(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Rdev:    uint32(st.Rdev),
		Size:    st.Size,
		Blksize: BlockSize,
		Blocks:  blocksFor(st.Size),
		Atime:   Timespec{Sec: st.Atimespec.Sec, Nsec: st.Atimespec.Nsec},
		Mtime:   Timespec{Sec: st.Mtimespec.Sec, Nsec: st.Mtimespec.Nsec},
		Ctime:   Timespec{Sec: st.Ctimespec.Sec, Nsec: st.Ctimespec.Nsec},
	}
	if s.Ino == 0 {
		s.Ino = syntheticIno(key)
	}
	return s
}

// darwin has no fdatasync; F_FULLFSYNC via Sync is the durable option.
func datasync(f *os.File) error {
	return f.Sync()
}
