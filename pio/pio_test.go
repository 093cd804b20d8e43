package pio_test

import (
	"math/rand/v2"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

// aligned returns n bytes starting at an address with the given remainder
// modulo 4.
func aligned(n, rem int) []byte {
	words := make([]uint64, (n+rem+7)/8+1)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return b[rem : rem+n]
}

func TestCopyMisaligned(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for n := 1; n <= 257; n++ {
		src := aligned(n, 1)
		dst := aligned(n, 3)
		require.Equal(t, uintptr(1), uintptr(unsafe.Pointer(&src[0]))&3)
		require.Equal(t, uintptr(3), uintptr(unsafe.Pointer(&dst[0]))&3)
		for i := range src {
			src[i] = byte(rng.UintN(256))
		}
		require.Equal(t, n, pio.Copy(dst, src))
		require.Equal(t, src, dst, "length %d", n)
	}
}

func TestCopySameAlignment(t *testing.T) {
	for rem := range 4 {
		for n := 1; n <= 67; n++ {
			src := aligned(n, rem)
			dst := aligned(n+2, rem)
			for i := range src {
				src[i] = byte(i*7 + rem)
			}
			dst[n], dst[n+1] = 0xaa, 0xbb
			require.Equal(t, n, pio.Copy(dst, src))
			require.Equal(t, src, dst[:n])
			require.Equal(t, []byte{0xaa, 0xbb}, dst[n:], "copy overran at rem=%d n=%d", rem, n)
		}
	}
	require.Equal(t, 0, pio.Copy(nil, []byte{1}))
}

func TestTransfer(t *testing.T) {
	p, err := smem.NewProvider(smem.Config{}, nil)
	require.NoError(t, err)
	reg, err := xfer.NewRegistry(xfer.RegistryConfig{Node: "pio"}, nil)
	require.NoError(t, err)
	drv := pio.New(p, nil)
	f, err := reg.Register(drv)
	require.NoError(t, err)
	defer reg.Close()

	srcS, err := f.AllocateEndpoint(4096)
	require.NoError(t, err)
	dstS, err := f.AllocateEndpoint(4096)
	require.NoError(t, err)
	require.Equal(t, "ocpi-smb-pio://pio-1:4096.1.20", srcS)

	srcEP, err := f.EndPoint(srcS)
	require.NoError(t, err)
	dstEP, err := f.EndPoint(dstS)
	require.NoError(t, err)
	src, err := f.SmemServices(srcEP)
	require.NoError(t, err)
	dst, err := f.SmemServices(dstEP)
	require.NoError(t, err)
	svc, err := f.XferServices(src, dst)
	require.NoError(t, err)

	sm, err := src.Map(0, 4096)
	require.NoError(t, err)
	dm, err := dst.Map(0, 4096)
	require.NoError(t, err)
	for i := range 100 {
		sm[1+i] = byte(i)
	}
	smem.WordAt(sm, 4000).Store(0x51)

	r, err := svc.Copy(1, 503, 100, xfer.FirstTransfer, nil)
	require.NoError(t, err)
	_, err = svc.Copy(4000, 2048, 4, xfer.FlagTransfer|xfer.LastTransfer, r)
	require.NoError(t, err)
	require.NoError(t, r.Start())

	st, err := r.Status()
	require.NoError(t, err)
	require.Equal(t, xfer.Complete, st)
	require.Equal(t, sm[1:101], dm[503:603])
	require.Equal(t, uint32(0x51), smem.WordAt(dm, 2048).Load())
	require.Equal(t, xferstat.TransportStats{
		xferstat.TransfersStarted: 1,
		xferstat.BytesSent:        100,
	}, drv.Counters())

	require.NoError(t, svc.Release(r))
	require.NoError(t, f.ClearCache())
}
