package transfer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/buffer"
	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/transfer"
	"github.com/opencpi/opencpi-sub021/xfer"
)

type ports struct {
	svc xfer.Services
	out *buffer.Port
	in  *buffer.Port
}

func openPorts(t *testing.T) ports {
	t.Helper()
	prov, err := smem.NewProvider(smem.Config{}, nil)
	require.NoError(t, err)
	reg, err := xfer.NewRegistry(xfer.RegistryConfig{Node: "tmpl"}, nil)
	require.NoError(t, err)
	f, err := reg.Register(pio.New(prov, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	open := func(l buffer.Layout) *buffer.Port {
		s, err := f.AllocateEndpoint(1 << 16)
		require.NoError(t, err)
		ep, err := f.EndPoint(s)
		require.NoError(t, err)
		sm, err := f.SmemServices(ep)
		require.NoError(t, err)
		p, err := buffer.OpenPort(sm, 0, l)
		require.NoError(t, err)
		p.Init()
		return p
	}
	out := open(buffer.Layout{Buffers: 2, BufferSize: 512, Shadow: 2})
	in := open(buffer.Layout{Buffers: 2, BufferSize: 512})
	svc, err := f.XferServices(out.Smem(), in.Smem())
	require.NoError(t, err)
	return ports{svc: svc, out: out, in: in}
}

// request copies n bytes of out buffer 0 to in buffer 0 with its metadata
// and full flag.
func (p ports) request(t *testing.T, n uint64) xfer.Request {
	t.Helper()
	ob := p.out.Output(0, false)
	ib := p.in.Input(0, 1)
	r, err := p.svc.Copy(ob.DataOffset(), ib.DataOffset(), n, xfer.FirstTransfer|xfer.SizeModifiable, nil)
	require.NoError(t, err)
	_, err = p.svc.Copy(ob.MetaOffset(0), ib.MetaOffset(0), buffer.MetaDataSize, 0, r)
	require.NoError(t, err)
	_, err = p.svc.Copy(p.out.Offset(p.out.Layout().Const(buffer.ConstFFFull)), ib.FullOffset(0), 4,
		xfer.FlagTransfer|xfer.LastTransfer, r)
	require.NoError(t, err)
	return r
}

func TestProduceWritesPresetBeforeStart(t *testing.T) {
	p := openPorts(t)
	ob := p.out.Output(0, false)
	ib := p.in.Input(0, 1)
	copy(ob.Data(), "hello world")

	tm := transfer.New(1)
	tm.AddRequest(p.svc, p.request(t, 11))
	tm.PresetMetaData(ob, 0, buffer.MetaData{Length: 5, Sequence: 1})
	tm.PresetMetaData(ob, 0, buffer.MetaData{Length: 11, Sequence: 2})
	require.NoError(t, tm.Produce())

	st, err := tm.Status()
	require.NoError(t, err)
	require.Equal(t, xfer.Complete, st)
	require.True(t, ib.IsFull())
	require.Equal(t, "hello world", string(ib.Data()))
	require.Equal(t, uint32(2), ib.MetaData(0).Sequence)
}

func TestSetSourceModifiesFirstSegment(t *testing.T) {
	p := openPorts(t)
	ob := p.out.Output(0, false)
	other := p.out.Output(1, false)
	ib := p.in.Input(0, 1)
	copy(ob.Data(), "first")
	copy(other.Data(), "other")

	tm := transfer.New(1)
	tm.AddRequest(p.svc, p.request(t, 5))
	tm.PresetMetaData(ob, 0, buffer.MetaData{Length: 5})
	require.NoError(t, tm.SetSource(other.DataOffset(), nil))
	require.NoError(t, tm.Produce())
	require.Equal(t, "other", string(ib.Data()))
	require.NoError(t, ib.Release())

	require.NoError(t, tm.SetSource(ob.DataOffset(), nil))
	require.Equal(t, ob.DataOffset(), tm.Requests()[0].Segments()[0].Src)
	require.NoError(t, tm.Produce())
	require.Equal(t, "first", string(ib.Data()))
}

func TestGatedTransfers(t *testing.T) {
	p := openPorts(t)
	root := transfer.New(3)

	g0, k0 := root.NextGatedTransfer(2, 0)
	require.Nil(t, g0)
	require.Equal(t, transfer.GateKey{Sequence: 0, Port: 2, Buffer: 0}, k0)
	sub := transfer.New(1)
	sub.AddRequest(p.svc, p.request(t, 8))
	root.AddGatedTransfer(k0, sub)
	require.Same(t, sub, root.GatedTransfer(k0))

	_, k1 := root.NextGatedTransfer(2, 1)
	require.Equal(t, 1, k1.Sequence)
	_, k2 := root.NextGatedTransfer(2, 0)
	require.Equal(t, 2, k2.Sequence)
	require.Equal(t, 3, root.Sequence(2))
	require.Zero(t, root.Sequence(1))

	// The topology allows no fourth sub-transfer of a whole.
	require.Panics(t, func() { root.NextGatedTransfer(2, 1) })

	root.ResetSequence()
	g, k := root.NextGatedTransfer(2, 0)
	require.Same(t, sub, g)
	require.Equal(t, k0, k)

	require.Equal(t, 1, p.svc.Outstanding())
	require.NoError(t, root.Release())
	require.Zero(t, p.svc.Outstanding())
	require.Nil(t, root.GatedTransfer(k0))
}

func TestReplacingGatedTransferReleasesOld(t *testing.T) {
	p := openPorts(t)
	root := transfer.New(1)
	k := transfer.GateKey{Port: 0, Buffer: 1}

	old := transfer.New(1)
	old.AddRequest(p.svc, p.request(t, 4))
	root.AddGatedTransfer(k, old)
	fresh := transfer.New(1)
	fresh.AddRequest(p.svc, p.request(t, 8))
	root.AddGatedTransfer(k, fresh)
	require.Equal(t, 1, p.svc.Outstanding())
	require.Empty(t, old.Requests())
}

func TestZeroCopyTransfer(t *testing.T) {
	p := openPorts(t)
	ob := p.out.Output(0, false)
	ib := p.in.Input(1, 1)
	copy(ob.Data()[100:], "aliased")
	ob.MarkFull()

	tm := transfer.New(1)
	tm.AddZeroCopyTransfer(transfer.ZeroCopy{Out: ob, In: ib, Slot: 3, Off: 100, Len: 7})
	tm.PresetMetaData(ob, 3, buffer.MetaData{Length: 7, OpCode: 9})
	require.True(t, tm.ZeroCopy())
	require.NoError(t, tm.Produce())

	require.True(t, ib.IsFull())
	require.Equal(t, "aliased", string(ib.Data()))
	require.Equal(t, uint32(9), ib.MetaData(0).OpCode)
	empty, err := ob.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)

	require.NoError(t, ib.Release())
	require.NoError(t, tm.SetSource(0, []byte("elsewhere")))
	require.NoError(t, tm.Produce())
	require.Equal(t, "elsewh", string(ib.Data()[:6]))
}
