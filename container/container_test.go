package container_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/buffer"
	"github.com/opencpi/opencpi-sub021/circuit"
	"github.com/opencpi/opencpi-sub021/container"
	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
)

func pipe(t *testing.T) (prod, cons *circuit.Circuit) {
	t.Helper()
	p, err := smem.NewProvider(smem.Config{}, nil)
	require.NoError(t, err)
	reg, err := xfer.NewRegistry(xfer.RegistryConfig{Node: "ctr"}, nil)
	require.NoError(t, err)
	f, err := reg.Register(pio.New(p, nil))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reg.Close()) })

	window := func() *smem.Services {
		s, err := f.AllocateEndpoint(1 << 15)
		require.NoError(t, err)
		ep, err := f.EndPoint(s)
		require.NoError(t, err)
		sm, err := f.SmemServices(ep)
		require.NoError(t, err)
		return sm
	}
	out, in := window(), window()
	conf := func(producer bool) circuit.Config {
		return circuit.Config{
			ID: "pipe",
			Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{
				{Smem: out, Buffers: 3, BufferSize: 64, Owned: producer},
			}},
			Inputs: []circuit.PortSetConfig{{Ports: []circuit.PortConfig{
				{Smem: in, Buffers: 2, BufferSize: 64, Owned: !producer},
			}}},
		}
	}
	prod, err = circuit.New(conf(true), f, nil)
	require.NoError(t, err)
	cons, err = circuit.New(conf(false), f, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, prod.Close())
		require.NoError(t, cons.Close())
	})
	return prod, cons
}

func TestProducerConsumerContainers(t *testing.T) {
	prod, cons := pipe(t)
	const total = 500

	pc, err := container.New("producer", container.Config{Tick: time.Microsecond}, nil)
	require.NoError(t, err)
	pc.AddCircuit(prod)
	sent := 0
	pc.AddWorker(container.WorkerFunc(func(uint64) (bool, error) {
		for sent < total {
			ob, err := prod.NextEmptyOutputBuffer()
			if err != nil || ob == nil {
				return false, err
			}
			binary.LittleEndian.PutUint32(ob.Data(), uint32(sent))
			if err := prod.SendOutputBuffer(ob, buffer.MetaData{Length: 4}); err != nil {
				return false, err
			}
			sent++
		}
		return prod.Queued() == 0, nil
	}))

	cc, err := container.New("consumer", container.Config{}, nil)
	require.NoError(t, err)
	received := 0
	cc.AddWorker(container.WorkerFunc(func(uint64) (bool, error) {
		for ib := cons.NextFullInputBuffer(0); ib != nil; ib = cons.NextFullInputBuffer(0) {
			if got := binary.LittleEndian.Uint32(ib.Data()); got != uint32(received) {
				return false, errors.Errorf("got message %d, want %d", got, received)
			}
			received++
			if err := cons.ReleaseInputBuffer(ib); err != nil {
				return false, err
			}
		}
		return received == total, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, container.Run(ctx, pc, cc))
	require.Equal(t, total, sent)
	require.Equal(t, total, received)
	require.NotZero(t, pc.Ticks())
}

func TestRunStopsOnWorkerError(t *testing.T) {
	boom := errors.New("boom")
	failing, err := container.New("failing", container.Config{}, nil)
	require.NoError(t, err)
	failing.AddWorker(container.WorkerFunc(func(tick uint64) (bool, error) {
		if tick == 3 {
			return false, boom
		}
		return false, nil
	}))
	idle, err := container.New("idle", container.Config{}, nil)
	require.NoError(t, err)
	idle.AddWorker(container.WorkerFunc(func(uint64) (bool, error) { return false, nil }))

	err = container.Run(context.Background(), failing, idle)
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(3), failing.Ticks())
}

func TestRunCanceled(t *testing.T) {
	c, err := container.New("forever", container.Config{}, nil)
	require.NoError(t, err)
	c.AddWorker(container.WorkerFunc(func(uint64) (bool, error) { return false, nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, container.Run(ctx, c), context.Canceled)
}

func TestDispatchOnceSkipsFinishedWorkers(t *testing.T) {
	c, err := container.New("once", container.Config{}, nil)
	require.NoError(t, err)
	calls := 0
	c.AddWorker(container.WorkerFunc(func(uint64) (bool, error) {
		calls++
		return true, nil
	}))
	done, err := c.DispatchOnce()
	require.NoError(t, err)
	require.True(t, done)
	done, err = c.DispatchOnce()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 1, calls)

	require.Error(t, (&container.Config{Tick: -1}).ValidateAndSetDefaults())
}
