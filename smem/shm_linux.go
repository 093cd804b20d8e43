//go:build linux

package smem

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// shmRegion is a window of a tmpfs file mapped MAP_SHARED.
type shmRegion struct {
	path    string
	mapping []byte
	window  []byte
	created bool
}

func openShm(dir, name string, offset, size uint64) (*shmRegion, error) {
	path := filepath.Join(dir, name)
	created := true
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		created = false
		f, err = os.OpenFile(path, os.O_RDWR, 0o600)
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening shm file")
	}
	defer f.Close() // The mapping outlives the descriptor.

	total := offset + size
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat shm file")
	}
	if uint64(fi.Size()) < total {
		if err := f.Truncate(int64(total)); err != nil {
			return nil, errors.Wrap(err, "sizing shm file")
		}
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if created {
			_ = os.Remove(path)
		}
		return nil, errors.Wrap(err, "mmap shm file")
	}
	return &shmRegion{
		path:    path,
		mapping: b,
		window:  b[offset:total:total],
		created: created,
	}, nil
}

func (r *shmRegion) Bytes() []byte { return r.window }

func (r *shmRegion) Close() error {
	var firstErr error
	if r.mapping != nil {
		if err := unix.Munmap(r.mapping); err != nil {
			firstErr = errors.Wrap(err, "munmap shm file")
		}
		r.mapping, r.window = nil, nil
	}
	if r.created {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = errors.Wrap(err, "removing shm file")
		}
	}
	return firstErr
}
