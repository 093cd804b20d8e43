//go:build linux

package smem

import (
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const bpfValueSize = 8

// bpfRegion is a window backed by an mmapable BPF array map pinned in bpffs.
// Any process that can open the pin maps the same pages.
type bpfRegion struct {
	m       *ebpf.Map
	mapping []byte
	window  []byte
	created bool
}

func openBPF(pinDir, name string, size uint64) (*bpfRegion, error) {
	page := uint64(os.Getpagesize())
	total := (size + page - 1) / page * page
	if total == 0 {
		total = page
	}
	path := filepath.Join(pinDir, name)

	created := false
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrap(err, "loading pinned map")
		}
		if err := rlimit.RemoveMemlock(); err != nil {
			return nil, errors.Wrap(err, "removing memlock rlimit")
		}
		if err := os.MkdirAll(pinDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating pin directory")
		}
		m, err = ebpf.NewMap(&ebpf.MapSpec{
			Name:       "ocpi_smem",
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  bpfValueSize,
			MaxEntries: uint32(total / bpfValueSize),
			Flags:      unix.BPF_F_MMAPABLE,
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating mmapable array map")
		}
		if err := m.Pin(path); err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, "pinning map")
		}
		created = true
	} else if uint64(m.MaxEntries())*uint64(m.ValueSize()) < size {
		_ = m.Close()
		return nil, errors.Wrapf(ErrSizeMismatch, "pinned map %s", path)
	}

	b, err := unix.Mmap(m.FD(), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if created {
			_ = m.Unpin()
		}
		_ = m.Close()
		return nil, errors.Wrap(err, "mmap array map")
	}
	return &bpfRegion{m: m, mapping: b, window: b[:size:size], created: created}, nil
}

func (r *bpfRegion) Bytes() []byte { return r.window }

func (r *bpfRegion) Close() error {
	var firstErr error
	if r.mapping != nil {
		if err := unix.Munmap(r.mapping); err != nil {
			firstErr = errors.Wrap(err, "munmap array map")
		}
		r.mapping, r.window = nil, nil
	}
	if r.created {
		if err := r.m.Unpin(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "unpinning map")
		}
	}
	if err := r.m.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "closing map")
	}
	return firstErr
}
