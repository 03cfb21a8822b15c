//go:build !linux && !darwin

package fs

import (
	"os"
	"time"
)

const hostNoFollow = 0

func statPath(hostPath string, follow bool) (Stat, error) {
	var fi os.FileInfo
	var err error
	if follow {
		fi, err = os.Stat(hostPath)
	} else {
		fi, err = os.Lstat(hostPath)
	}
	if err != nil {
		return Stat{}, err
	}
	return statFromInfo(hostPath, fi), nil
}

func statFile(f *os.File) (Stat, error) {
	fi, err := f.Stat()
	if err != nil {
		return Stat{}, err
	}
	return statFromInfo(f.Name(), fi), nil
}

// Advisory locks are process-local no-ops on platforms without fcntl.
func hostLock(_ *os.File, cmd int32, lk *Flock) error {
	if cmd == FGetLk {
		lk.Type = FUnLck
	}
	return nil
}

func setTimes(hostPath string, atime, mtime Timespec, _ bool) error {
	fi, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	resolve := func(t Timespec) time.Time {
		switch t.Nsec {
		case UtimeNow:
			return time.Now()
		case UtimeOmit:
			return time.Time{}
		}
		return time.Unix(t.Sec, t.Nsec)
	}
	a, m := resolve(atime), resolve(mtime)
	if m.IsZero() {
		m = fi.ModTime()
	}
	return os.Chtimes(hostPath, a, m)
}

func access(hostPath string, _ uint32) error {
	_, err := os.Stat(hostPath)
	return err
}

func datasync(f *os.File) error {
	return f.Sync()
}
