//go:build !linux

package smem

type noRegion struct{}

func (noRegion) Bytes() []byte { return nil }
func (noRegion) Close() error  { return nil }

func openShm(dir, name string, offset, size uint64) (*noRegion, error) {
	return nil, ErrBackendDisabled
}

func openBPF(pinDir, name string, size uint64) (*noRegion, error) {
	return nil, ErrBackendDisabled
}
