package dma_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/dma"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

type fixture struct {
	drv      *dma.Driver
	engine   *dma.SoftEngine
	svc      xfer.Services
	src, dst []byte
}

func newFixture(t *testing.T, conf dma.EngineConfig) *fixture {
	t.Helper()
	p, err := smem.NewProvider(smem.Config{}, nil)
	require.NoError(t, err)
	engine, err := dma.NewSoftEngine(conf, nil)
	require.NoError(t, err)
	drv, err := dma.New(dma.Config{}, p, engine, nil)
	require.NoError(t, err)
	reg, err := xfer.NewRegistry(xfer.RegistryConfig{Node: "dma"}, nil)
	require.NoError(t, err)
	f, err := reg.Register(drv)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reg.Close()) })

	open := func() (*smem.Services, []byte) {
		s, err := f.AllocateEndpoint(1 << 16)
		require.NoError(t, err)
		ep, err := f.EndPoint(s)
		require.NoError(t, err)
		sm, err := f.SmemServices(ep)
		require.NoError(t, err)
		b, err := sm.Map(0, sm.Size())
		require.NoError(t, err)
		return sm, b
	}
	srcS, src := open()
	dstS, dst := open()
	svc, err := f.XferServices(srcS, dstS)
	require.NoError(t, err)
	return &fixture{drv: drv, engine: engine, svc: svc, src: src, dst: dst}
}

func complete(t *testing.T, r xfer.Request) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := r.Status()
		return err == nil && st == xfer.Complete
	}, 2*time.Second, time.Millisecond)
}

func TestAsynchronousCompletion(t *testing.T) {
	fx := newFixture(t, dma.EngineConfig{Latency: 50 * time.Millisecond})
	for i := range 4096 {
		fx.src[i] = byte(i % 251)
	}
	smem.WordAt(fx.src, 8192).Store(0xfeed)

	r, err := fx.svc.Copy(0, 1000, 4096, xfer.FirstTransfer, nil)
	require.NoError(t, err)
	_, err = fx.svc.Copy(8192, 9000, 4, xfer.FlagTransfer|xfer.LastTransfer, r)
	require.NoError(t, err)
	require.NoError(t, r.Start())

	st, err := r.Status()
	require.NoError(t, err)
	require.Equal(t, xfer.Pending, st)
	require.Equal(t, uint32(0), smem.WordAt(fx.dst, 9000).Load())

	complete(t, r)
	require.Equal(t, fx.src[:4096], fx.dst[1000:5096])
	require.Equal(t, uint32(0xfeed), smem.WordAt(fx.dst, 9000).Load())

	// The request is reusable once complete.
	fx.src[0] = 0x42
	require.NoError(t, r.Start())
	complete(t, r)
	require.Equal(t, byte(0x42), fx.dst[1000])
}

func TestSmallSegmentsAreInlined(t *testing.T) {
	fx := newFixture(t, dma.EngineConfig{Latency: 30 * time.Millisecond})
	copy(fx.src[64:], "metadata")

	r, err := fx.svc.Copy(64, 128, 8, 0, nil)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	copy(fx.src[64:], "changed!")
	complete(t, r)
	require.Equal(t, "metadata", string(fx.dst[128:136]))
}

func TestStartRetriesOnce(t *testing.T) {
	fx := newFixture(t, dma.EngineConfig{})

	r, err := fx.svc.Copy(0, 0, 128, 0, nil)
	require.NoError(t, err)

	fx.engine.InjectFaults(1)
	require.NoError(t, r.Start())
	complete(t, r)

	fx.engine.InjectFaults(2)
	err = r.Start()
	require.Error(t, err)
	var re *xfer.ResourceError
	require.True(t, errors.As(err, &re))
	require.Equal(t, "dma submit", re.Op)
	require.True(t, errors.Is(err, dma.ErrEngineFault))

	submitted, completed, rejected := fx.engine.Counters()
	require.Equal(t, uint64(1), submitted)
	require.Equal(t, uint64(3), rejected)
	require.Equal(t, submitted, completed)

	c := fx.drv.Counters()
	require.Equal(t, uint64(1), c[xferstat.TransfersStarted])
	require.Equal(t, uint64(128), c[xferstat.BytesSent])
	require.Equal(t, uint64(3), c[xferstat.EngineRejected])
	require.Equal(t, uint64(1), c[xferstat.EngineSubmitted])
}

func TestRingFull(t *testing.T) {
	fx := newFixture(t, dma.EngineConfig{RingSize: 2, Latency: 200 * time.Millisecond})

	var reqs []xfer.Request
	for i := range 4 {
		r, err := fx.svc.Copy(uint64(i)*256, uint64(i)*256, 256, 0, nil)
		require.NoError(t, err)
		reqs = append(reqs, r)
	}
	// At most one job executing plus two queued fit; the fourth start is
	// rejected twice and fails.
	var (
		started  []xfer.Request
		startErr error
	)
	for _, r := range reqs {
		if startErr = r.Start(); startErr != nil {
			break
		}
		started = append(started, r)
	}
	require.Error(t, startErr)
	require.True(t, xfer.IsResourceError(startErr))
	require.True(t, errors.Is(startErr, dma.ErrRingFull))
	require.GreaterOrEqual(t, len(started), 2)
	for _, r := range started {
		complete(t, r)
	}
}

func TestEngineConfig(t *testing.T) {
	c := dma.EngineConfig{RingSize: 3}
	require.True(t, errors.Is(c.ValidateAndSetDefaults(), dma.ErrRingSizeNotPower))
	c = dma.EngineConfig{}
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, uint32(dma.DefaultRingSize), c.RingSize)

	e, err := dma.NewSoftEngine(dma.EngineConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Submit(nil)
	require.True(t, errors.Is(err, dma.ErrEngineClosed))
}

func TestCloseExecutesAcceptedJobs(t *testing.T) {
	e, err := dma.NewSoftEngine(dma.EngineConfig{RingSize: 1024}, nil)
	require.NoError(t, err)

	const workers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*dma.Job
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src, dst := []byte{byte(w + 1)}, make([]byte, 1)
			for range 200 {
				job, err := e.Submit([]dma.Descriptor{{Dst: dst, Src: src}})
				if errors.Is(err, dma.ErrEngineClosed) {
					return
				}
				if errors.Is(err, dma.ErrRingFull) {
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				accepted = append(accepted, job)
				mu.Unlock()
			}
		}()
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, e.Close())
	wg.Wait()

	for _, job := range accepted {
		require.True(t, job.Done())
	}
	submitted, completed, _ := e.Counters()
	require.Equal(t, submitted, completed)
	require.Equal(t, uint64(len(accepted)), submitted)
}
