package circuit_test

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/buffer"
	"github.com/opencpi/opencpi-sub021/circuit"
	"github.com/opencpi/opencpi-sub021/datagram"
	"github.com/opencpi/opencpi-sub021/dma"
	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
)

const windowSize = 1 << 16

func register(t *testing.T, node string, drv xfer.Driver) *xfer.Factory {
	t.Helper()
	reg, err := xfer.NewRegistry(xfer.RegistryConfig{Node: node}, nil)
	require.NoError(t, err)
	f, err := reg.Register(drv)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reg.Close()) })
	return f
}

func provider(t *testing.T) *smem.Provider {
	t.Helper()
	p, err := smem.NewProvider(smem.Config{}, nil)
	require.NoError(t, err)
	return p
}

func pioFactory(t *testing.T) *xfer.Factory {
	return register(t, "pio", pio.New(provider(t), nil))
}

func dmaFactory(t *testing.T) *xfer.Factory {
	drv, err := dma.New(dma.Config{}, provider(t), nil, nil)
	require.NoError(t, err)
	return register(t, "dma", drv)
}

func loopFactory(t *testing.T) *xfer.Factory {
	drv, err := datagram.New(datagram.LoopProtocol, datagram.Config{Monitor: true},
		datagram.NewLoopNetwork(), provider(t), nil)
	require.NoError(t, err)
	return register(t, "loop", drv)
}

func window(t *testing.T, f *xfer.Factory) *smem.Services {
	t.Helper()
	s, err := f.AllocateEndpoint(windowSize)
	require.NoError(t, err)
	ep, err := f.EndPoint(s)
	require.NoError(t, err)
	sm, err := f.SmemServices(ep)
	require.NoError(t, err)
	return sm
}

func open(t *testing.T, f *xfer.Factory, conf circuit.Config) *circuit.Circuit {
	t.Helper()
	c, err := circuit.New(conf, f, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func port(s *smem.Services, base uint64, buffers int, size uint64, owned bool) circuit.PortConfig {
	return circuit.PortConfig{Smem: s, Base: base, Buffers: buffers, BufferSize: size, Owned: owned}
}

func pointToPoint(out, in *smem.Services, ownOut, ownIn bool) circuit.Config {
	return circuit.Config{
		ID: "p2p",
		Output: circuit.PortSetConfig{
			Ports: []circuit.PortConfig{port(out, 0, 5, 256, ownOut)},
		},
		Inputs: []circuit.PortSetConfig{{
			Ports: []circuit.PortConfig{port(in, 0, 5, 256, ownIn)},
		}},
	}
}

// fill writes message seq: its sequence in the first word, then bytes
// (n+seq)%23.
func fill(b []byte, seq int) uint32 {
	n := 64 + seq%150
	binary.LittleEndian.PutUint32(b, uint32(seq))
	for i := 4; i < n; i++ {
		b[i] = byte((i + seq) % 23)
	}
	return uint32(n)
}

func checkMessage(t *testing.T, ib *buffer.InputBuffer, seq int) {
	t.Helper()
	require.Equal(t, uint32(seq), ib.MetaData(0).Sequence)
	data := ib.Data()
	require.Len(t, data, 64+seq%150)
	require.Equal(t, uint32(seq), binary.LittleEndian.Uint32(data))
	for i := 4; i < len(data); i++ {
		if data[i] != byte((i+seq)%23) {
			t.Fatalf("message %d byte %d is %d", seq, i, data[i])
		}
	}
}

// produce sends messages until no output buffer is empty or total is
// reached.
func produce(t *testing.T, c *circuit.Circuit, sent *int, total int) {
	t.Helper()
	for *sent < total {
		ob, err := c.NextEmptyOutputBuffer()
		require.NoError(t, err)
		if ob == nil {
			return
		}
		n := fill(ob.Data(), *sent)
		require.NoError(t, c.SendOutputBuffer(ob, buffer.MetaData{Length: n, Sequence: uint32(*sent)}))
		*sent++
	}
}

func TestNoLossWhileConsumerIsOff(t *testing.T) {
	for _, tc := range []struct {
		name    string
		factory func(*testing.T) *xfer.Factory
	}{
		{"pio", pioFactory},
		{"dma", dmaFactory},
		{"loop", loopFactory},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.factory(t)
			out, in := window(t, f), window(t, f)
			prod := open(t, f, pointToPoint(out, in, true, false))
			cons := open(t, f, pointToPoint(out, in, false, true))

			const total = 200
			sent, received := 0, 0
			queued := false
			deadline := time.Now().Add(10 * time.Second)
			for tick := 0; received < total; tick++ {
				require.True(t, time.Now().Before(deadline), "stalled at %d of %d", received, total)
				produce(t, prod, &sent, total)
				queued = queued || prod.Queued() > 0
				if tick%5 < 3 {
					time.Sleep(50 * time.Microsecond)
					continue
				}
				for {
					ib := cons.NextFullInputBuffer(0)
					if ib == nil {
						break
					}
					checkMessage(t, ib, received)
					require.NoError(t, cons.ReleaseInputBuffer(ib))
					received++
				}
			}
			require.Equal(t, total, sent)
			require.True(t, queued, "producer never had to queue")
		})
	}
}

func checkSentinels(t *testing.T, cycle int, p *buffer.Port) {
	p.Words(func(rel uint64, v uint32, empty bool) {
		ok := v == buffer.FFFullValue || v == buffer.FFEmptyValue
		if empty {
			ok = v == buffer.EFEmptyValue || v == buffer.EFFullValue
		}
		if !ok {
			t.Fatalf("cycle %d: word at %d holds 0x%08x", cycle, rel, v)
		}
	})
}

func TestFlagsHoldSentinelsOnly(t *testing.T) {
	f := pioFactory(t)
	out, in := window(t, f), window(t, f)
	prod := open(t, f, pointToPoint(out, in, true, false))
	cons := open(t, f, pointToPoint(out, in, false, true))

	rng := rand.New(rand.NewPCG(7, 11))
	var held []*buffer.InputBuffer
	sent, received := 0, 0
	for cycle := range 10000 {
		switch rng.IntN(3) {
		case 0:
			ob, err := prod.NextEmptyOutputBuffer()
			require.NoError(t, err)
			if ob != nil {
				n := fill(ob.Data(), sent)
				require.NoError(t, prod.SendOutputBuffer(ob, buffer.MetaData{Length: n, Sequence: uint32(sent)}))
				sent++
			}
		case 1:
			if ib := cons.NextFullInputBuffer(0); ib != nil {
				checkMessage(t, ib, received)
				received++
				held = append(held, ib)
			}
		case 2:
			if len(held) > 0 {
				i := rng.IntN(len(held))
				require.NoError(t, cons.ReleaseInputBuffer(held[i]))
				held = append(held[:i], held[i+1:]...)
			}
		}
		checkSentinels(t, cycle, prod.OutputPort())
		checkSentinels(t, cycle, cons.InputPort(0))
	}
	require.Greater(t, received, 1000)
	require.LessOrEqual(t, sent-received, 10)
}

func TestBroadcast(t *testing.T) {
	f := pioFactory(t)
	out, in0, in1 := window(t, f), window(t, f), window(t, f)
	c := open(t, f, circuit.Config{
		ID:     "fan",
		Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(out, 0, 2, 128, true)}},
		Inputs: []circuit.PortSetConfig{{Ports: []circuit.PortConfig{
			port(in0, 0, 2, 128, true),
			port(in1, 0, 2, 128, true),
		}}},
	})

	send := func(s string, broadcast bool) {
		ob, err := c.NextEmptyOutputBuffer()
		require.NoError(t, err)
		require.NotNil(t, ob)
		copy(ob.Data(), s)
		md := buffer.MetaData{Length: uint32(len(s))}
		if broadcast {
			require.NoError(t, c.BroadcastBuffer(ob, md))
			return
		}
		require.NoError(t, c.SendOutputBuffer(ob, md))
	}
	take := func(ordinal int) string {
		ib := c.NextFullInputBuffer(ordinal)
		require.NotNil(t, ib)
		defer func() { require.NoError(t, c.ReleaseInputBuffer(ib)) }()
		return string(ib.Data())
	}

	// Whole buffers are dealt round robin; a broadcast reaches every port.
	send("first", false)
	send("second", false)
	send("everyone", true)
	require.Equal(t, "first", take(0))
	require.Equal(t, "everyone", take(0))
	require.Equal(t, "second", take(1))
	require.Equal(t, "everyone", take(1))
	require.Nil(t, c.NextFullInputBuffer(0))
	require.Nil(t, c.NextFullInputBuffer(1))
}

func TestZeroCopyInOneWindow(t *testing.T) {
	f := pioFactory(t)
	w := window(t, f)
	c := open(t, f, circuit.Config{
		ID:     "zc",
		Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(w, 0, 1, 256, true)}},
		Inputs: []circuit.PortSetConfig{{Ports: []circuit.PortConfig{port(w, 8192, 1, 256, true)}}},
	})

	ob, err := c.NextEmptyOutputBuffer()
	require.NoError(t, err)
	require.NotNil(t, ob)
	copy(ob.Data(), "zero copy")
	require.NoError(t, c.SendOutputBuffer(ob, buffer.MetaData{Length: 9, OpCode: 3}))

	ib := c.NextFullInputBuffer(0)
	require.NotNil(t, ib)
	require.Equal(t, "zero copy", string(ib.Data()))
	require.Equal(t, uint32(3), ib.MetaData(0).OpCode)
	ob.Data()[0] = 'Z'
	require.Equal(t, "Zero copy", string(ib.Data()), "input aliases the output buffer")

	// The output buffer stays in use until the alias is released.
	next, err := c.NextEmptyOutputBuffer()
	require.NoError(t, err)
	require.Nil(t, next)
	require.NoError(t, c.ReleaseInputBuffer(ib))
	next, err = c.NextEmptyOutputBuffer()
	require.NoError(t, err)
	require.Same(t, ob, next)
}

func TestPartsToWholeAssembly(t *testing.T) {
	f := pioFactory(t)
	outs := []*smem.Services{window(t, f), window(t, f), window(t, f)}
	in := window(t, f)
	conf := func(owner int) circuit.Config {
		c := circuit.Config{
			ID: "gather",
			Output: circuit.PortSetConfig{
				Distribution: circuit.Block,
				PartSize:     100,
			},
			Inputs: []circuit.PortSetConfig{{
				Ports: []circuit.PortConfig{port(in, 0, 2, 900, owner < 0)},
			}},
		}
		for r, s := range outs {
			c.Output.Ports = append(c.Output.Ports, port(s, 0, 2, 100, r == owner))
		}
		return c
	}
	var prods []*circuit.Circuit
	for r := range outs {
		prods = append(prods, open(t, f, conf(r)))
	}
	cons := open(t, f, conf(-1))

	sendWhole := func(whole int) {
		for seq := range 3 {
			for r, p := range prods {
				ob, err := p.NextEmptyOutputBuffer()
				require.NoError(t, err)
				require.NotNil(t, ob, "rank %d seq %d", r, seq)
				k := 3*seq + r
				copy(ob.Data(), bytes.Repeat([]byte{byte(whole*10 + k)}, 100))
				require.NoError(t, p.SendOutputBuffer(ob, buffer.MetaData{Length: 100, Sequence: uint32(whole)}))
			}
			if seq < 2 {
				require.Nil(t, cons.NextFullInputBuffer(0), "whole %d complete after seq %d", whole, seq)
			}
		}
	}
	checkWhole := func(whole int) {
		ib := cons.NextFullInputBuffer(0)
		require.NotNil(t, ib, "whole %d", whole)
		data := ib.Data()
		require.Len(t, data, 900)
		for k := range 9 {
			require.Equal(t, bytes.Repeat([]byte{byte(whole*10 + k)}, 100), data[k*100:(k+1)*100],
				"whole %d part %d", whole, k)
		}
		require.NoError(t, cons.ReleaseInputBuffer(ib))
	}

	sendWhole(0)
	sendWhole(1)
	checkWhole(0)
	// The third whole reuses the first input buffer once every producer
	// saw it returned.
	sendWhole(2)
	checkWhole(1)
	checkWhole(2)
}

func TestWholeToPartsGated(t *testing.T) {
	f := pioFactory(t)
	out, in0, in1 := window(t, f), window(t, f), window(t, f)
	c := open(t, f, circuit.Config{
		ID:     "scatter",
		Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(out, 0, 2, 1200, true)}},
		Inputs: []circuit.PortSetConfig{{
			Distribution: circuit.Block,
			PartSize:     300,
			Ports: []circuit.PortConfig{
				port(in0, 0, 2, 300, true),
				port(in1, 0, 2, 300, true),
			},
		}},
	})

	send := func(whole byte) {
		ob, err := c.NextEmptyOutputBuffer()
		require.NoError(t, err)
		require.NotNil(t, ob)
		for k := range 4 {
			copy(ob.Data()[k*300:], bytes.Repeat([]byte{whole + byte(k)}, 300))
		}
		require.NoError(t, c.SendOutputBuffer(ob, buffer.MetaData{Length: 1200}))
	}
	take := func(ordinal int, want byte) {
		t.Helper()
		ib := c.NextFullInputBuffer(ordinal)
		require.NotNil(t, ib)
		require.Equal(t, bytes.Repeat([]byte{want}, 300), ib.Data())
		require.NoError(t, c.ReleaseInputBuffer(ib))
	}

	send(10)
	require.Zero(t, c.Queued())
	send(20)
	require.Equal(t, 4, c.Queued(), "every input buffer still holds the first whole")

	// Port 0 holds parts 0 and 2, port 1 parts 1 and 3.
	take(0, 10)
	take(0, 12)
	require.NoError(t, c.CheckQueuedTransfers())
	require.Equal(t, 2, c.Queued())
	take(0, 20)
	take(0, 22)
	take(1, 11)
	take(1, 13)
	require.NoError(t, c.CheckQueuedTransfers())
	require.Zero(t, c.Queued())
	take(1, 21)
	take(1, 23)
}

func TestPartsToPartsAlternate(t *testing.T) {
	f := pioFactory(t)
	out, in0, in1 := window(t, f), window(t, f), window(t, f)
	c := open(t, f, circuit.Config{
		ID: "parts",
		Output: circuit.PortSetConfig{
			Distribution: circuit.Block,
			PartSize:     100,
			Ports:        []circuit.PortConfig{port(out, 0, 2, 100, true)},
		},
		Inputs: []circuit.PortSetConfig{{
			Distribution: circuit.Block,
			PartSize:     100,
			Ports: []circuit.PortConfig{
				port(in0, 0, 4, 100, true),
				port(in1, 0, 4, 100, true),
			},
		}},
	})

	for k := range 6 {
		ob, err := c.NextEmptyOutputBuffer()
		require.NoError(t, err)
		require.NotNil(t, ob)
		ob.Data()[0] = byte(k)
		// Part 4 ends the whole, so part 5 starts over at rank 0.
		require.NoError(t, c.SendOutputBuffer(ob, buffer.MetaData{Length: 1, EndOfWhole: k == 4}))
	}
	drain := func(ordinal int) []byte {
		var got []byte
		for ib := c.NextFullInputBuffer(ordinal); ib != nil; ib = c.NextFullInputBuffer(ordinal) {
			got = append(got, ib.Data()...)
			require.NoError(t, c.ReleaseInputBuffer(ib))
		}
		return got
	}
	require.Equal(t, []byte{0, 2, 4, 5}, drain(0))
	require.Equal(t, []byte{1, 3}, drain(1))
}

func TestZeroCopyChain(t *testing.T) {
	f := pioFactory(t)
	w1, w2, w3 := window(t, f), window(t, f), window(t, f)
	up := open(t, f, circuit.Config{
		ID:     "up",
		Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(w1, 0, 2, 256, true)}},
		Inputs: []circuit.PortSetConfig{{Ports: []circuit.PortConfig{port(w2, 0, 2, 256, true)}}},
	})
	down := open(t, f, circuit.Config{
		ID:     "down",
		Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(w2, 16384, 2, 256, true)}},
		Inputs: []circuit.PortSetConfig{{Ports: []circuit.PortConfig{port(w3, 0, 2, 256, true)}}},
	})

	ob, err := up.NextEmptyOutputBuffer()
	require.NoError(t, err)
	copy(ob.Data(), "chained")
	require.NoError(t, up.SendOutputBuffer(ob, buffer.MetaData{Length: 7}))
	ib := up.NextFullInputBuffer(0)
	require.NotNil(t, ib)

	require.NoError(t, down.SendZcopyInputBuffer(ib, buffer.MetaData{Length: 7, OpCode: 9}))
	got := down.NextFullInputBuffer(0)
	require.NotNil(t, got)
	require.Equal(t, "chained", string(got.Data()))
	require.Equal(t, uint32(9), got.MetaData(0).OpCode)
	require.Equal(t, make([]byte, 7), down.OutputPort().Output(0, false).Data()[:7],
		"the carrier output buffer is not written")

	// The upstream buffer is released once the carrier is empty again.
	require.True(t, ib.IsFull())
	require.NoError(t, down.CheckQueuedTransfers())
	require.False(t, ib.IsFull())

	require.ErrorIs(t, down.SendZcopyInputBuffer(got, buffer.MetaData{}), circuit.ErrNotSameWindow)
}

func TestDisconnect(t *testing.T) {
	f := pioFactory(t)
	out, in := window(t, f), window(t, f)
	c, err := circuit.New(pointToPoint(out, in, true, true), f, nil)
	require.NoError(t, err)
	require.Equal(t, circuit.Active, c.Status())

	ob, err := c.NextEmptyOutputBuffer()
	require.NoError(t, err)
	c.Disconnect()
	require.Equal(t, circuit.Disconnecting, c.Status())
	require.ErrorIs(t, c.SendOutputBuffer(ob, buffer.MetaData{}), circuit.ErrDisconnecting)

	require.NoError(t, c.Close())
	require.Equal(t, circuit.Unknown, c.Status())
	require.NoError(t, c.Close())
	_, err = c.NextEmptyOutputBuffer()
	require.ErrorIs(t, err, circuit.ErrClosed)
}

func TestUnsupportedTopology(t *testing.T) {
	f := pioFactory(t)
	a, b := window(t, f), window(t, f)
	in := []circuit.PortSetConfig{{Ports: []circuit.PortConfig{port(b, 0, 1, 64, false)}}}
	for name, conf := range map[string]circuit.Config{
		"no inputs": {Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(a, 0, 1, 64, true)}}},
		"indivisible outputs": {
			Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(a, 0, 1, 64, false), port(a, 4096, 1, 64, false)}},
			Inputs: in,
		},
		"two owners": {
			Output: circuit.PortSetConfig{Distribution: circuit.Block, PartSize: 8, Ports: []circuit.PortConfig{
				port(a, 0, 1, 64, true), port(a, 4096, 1, 64, true),
			}},
			Inputs: in,
		},
		"parts to parts from two outputs": {
			Output: circuit.PortSetConfig{Distribution: circuit.Block, PartSize: 8, Ports: []circuit.PortConfig{
				port(a, 0, 1, 64, false), port(a, 4096, 1, 64, false),
			}},
			Inputs: []circuit.PortSetConfig{{Distribution: circuit.Block, PartSize: 8, Ports: in[0].Ports}},
		},
		"input part larger than its buffer": {
			Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{port(a, 0, 1, 1000, true)}},
			Inputs: []circuit.PortSetConfig{{Distribution: circuit.Block, PartSize: 500, Ports: []circuit.PortConfig{
				port(b, 0, 1, 400, false), port(b, 8192, 1, 400, false),
			}}},
		},
		"output part larger than its buffer": {
			Output: circuit.PortSetConfig{Distribution: circuit.Block, PartSize: 128, Ports: []circuit.PortConfig{
				port(a, 0, 1, 64, true),
			}},
			Inputs: in,
		},
		"output part larger than input buffer": {
			Output: circuit.PortSetConfig{Distribution: circuit.Block, PartSize: 64, Ports: []circuit.PortConfig{
				port(a, 0, 1, 64, true),
			}},
			Inputs: []circuit.PortSetConfig{{Distribution: circuit.Block, PartSize: 32, Ports: []circuit.PortConfig{
				port(b, 0, 1, 32, false),
			}}},
		},
		"missing part size": {
			Output: circuit.PortSetConfig{Distribution: circuit.Block, Ports: []circuit.PortConfig{port(a, 0, 1, 64, true)}},
			Inputs: in,
		},
	} {
		_, err := circuit.New(conf, f, nil)
		require.ErrorIs(t, err, circuit.ErrUnsupportedTopology, name)
	}
}
