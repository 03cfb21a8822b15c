package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

func fromUnix(key string, st *unix.Stat_t) Stat {
	s := Stat{
		Dev:     uint32(st.Dev),
		Ino:     st.Ino,
		Mode:    st.Mode,
		Nlink:   uint32(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Rdev:    uint32(st.Rdev),
		Size:    st.Size,
		Blksize: BlockSize,
		Blocks:  blocksFor(st.Size),
		Atime:   Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)},
		Mtime:   Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)},
		Ctime:   Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)},
	}
	if s.Ino == 0 {
		s.Ino = syntheticIno(key)
	}
	return s
}

func datasync(f *os.File) error {
	return control(f, func(fd uintptr) error {
		return unix.Fdatasync(int(fd))
	})
}
