package circuit_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/circuit"
)

func TestWholeToWhole(t *testing.T) {
	src := circuit.Side{Length: 500, BufferSize: 500}
	dst := circuit.Side{BufferSize: 400}
	require.Equal(t, circuit.Info{Length: 400, Last: true}, circuit.CalculateBufferOffsets(0, src, dst))
	require.Zero(t, circuit.CalculateBufferOffsets(1, src, dst).Length)
}

func TestWholeToParts(t *testing.T) {
	src := circuit.Side{Length: 1000, BufferSize: 1000}
	dst := circuit.Side{Distribution: circuit.Block, PortCount: 1, PartSize: 300, BufferSize: 300}
	var offsets, lengths []uint64
	for seq := 0; ; seq++ {
		info := circuit.CalculateBufferOffsets(seq, src, dst)
		if info.Length == 0 {
			break
		}
		require.True(t, info.Last)
		require.Zero(t, info.DstOffset)
		offsets = append(offsets, info.SrcOffset)
		lengths = append(lengths, info.Length)
	}
	require.Equal(t, []uint64{0, 300, 600, 900}, offsets)
	require.Equal(t, []uint64{300, 300, 300, 100}, lengths)

	// Three ports take the parts round robin: part k goes to rank k mod 3.
	for rank := range 3 {
		dst := circuit.Side{Distribution: circuit.Block, PortCount: 3, Rank: rank, PartSize: 100, BufferSize: 100}
		for seq := range 4 {
			info := circuit.CalculateBufferOffsets(seq, src, dst)
			k := 3*seq + rank
			if k >= 10 {
				require.Zero(t, info.Length, "seq %d rank %d", seq, rank)
				continue
			}
			require.Equal(t, uint64(k*100), info.SrcOffset, "seq %d rank %d", seq, rank)
			require.Equal(t, uint64(100), info.Length)
		}
	}
}

// A 1000 byte whole in 300 byte parts over three ports: the slices at
// offsets 0, 300, 600 and 900 are dealt round robin, so rank 0 carries the
// first and the clamped 100 byte last slice. Offsets 0,300,600,900 by
// sequence alone hold for a single port, as checked above.
func TestWholeToPartsThreePorts(t *testing.T) {
	src := circuit.Side{Length: 1000, BufferSize: 1000}
	type slice struct {
		seq, rank      int
		offset, length uint64
	}
	var got []slice
	for seq := range 6 {
		for rank := range 3 {
			dst := circuit.Side{Distribution: circuit.Block, PortCount: 3, Rank: rank, PartSize: 300, BufferSize: 300}
			info := circuit.CalculateBufferOffsets(seq, src, dst)
			if info.Length > 0 {
				got = append(got, slice{seq, rank, info.SrcOffset, info.Length})
			}
		}
	}
	require.Equal(t, []slice{
		{0, 0, 0, 300},
		{0, 1, 300, 300},
		{0, 2, 600, 300},
		{1, 0, 900, 100},
	}, got)
}

func TestWholeToPartsCoversWhole(t *testing.T) {
	for _, tc := range []struct {
		length, part uint64
		ports        int
	}{
		{1000, 300, 3}, {1000, 300, 1}, {900, 300, 3}, {1, 64, 4}, {4096, 100, 7}, {999, 1000, 2},
	} {
		src := circuit.Side{Length: tc.length, BufferSize: tc.length}
		covered := make([]int, tc.length)
		var sum uint64
		for rank := range tc.ports {
			dst := circuit.Side{Distribution: circuit.Block, PortCount: tc.ports, Rank: rank,
				PartSize: tc.part, BufferSize: tc.part}
			for seq := 0; ; seq++ {
				info := circuit.CalculateBufferOffsets(seq, src, dst)
				if info.Length == 0 {
					break
				}
				sum += info.Length
				for i := info.SrcOffset; i < info.SrcOffset+info.Length; i++ {
					covered[i]++
				}
			}
		}
		require.Equal(t, tc.length, sum, "%+v", tc)
		for i, c := range covered {
			require.Equal(t, 1, c, "%+v byte %d", tc, i)
		}
	}
}

func TestPartsToWhole(t *testing.T) {
	dst := circuit.Side{BufferSize: 900}
	part := func(seq, rank int) circuit.Info {
		src := circuit.Side{Distribution: circuit.Block, PortCount: 3, Rank: rank, PartSize: 100, Length: 100}
		return circuit.CalculateBufferOffsets(seq, src, dst)
	}
	for seq := range 3 {
		for rank := range 3 {
			info := part(seq, rank)
			require.Zero(t, info.SrcOffset)
			require.Equal(t, uint64((3*seq+rank)*100), info.DstOffset)
			require.Equal(t, uint64(100), info.Length)
			require.Equal(t, seq == 2, info.Last, "seq %d rank %d", seq, rank)
		}
	}
	require.Zero(t, part(3, 0).Length)

	// With a whole of 1000 bytes rank 0 carries one more part than the
	// others, and each rank flags its own last part.
	dst.BufferSize = 1000
	require.True(t, part(3, 0).Last)
	require.Equal(t, uint64(900), part(3, 0).DstOffset)
	require.False(t, part(2, 0).Last)
	require.True(t, part(2, 1).Last)
	require.True(t, part(2, 2).Last)
}

func TestPartsToParts(t *testing.T) {
	src := circuit.Side{Distribution: circuit.Block, PortCount: 1, PartSize: 100, Length: 80}
	dst := circuit.Side{Distribution: circuit.Block, PortCount: 2, PartSize: 100, BufferSize: 64}
	var ranks []int
	for seq := range 4 {
		info := circuit.CalculateBufferOffsets(seq, src, dst)
		require.Equal(t, uint64(64), info.Length)
		require.True(t, info.Last)
		ranks = append(ranks, info.DstRank)
	}
	require.Equal(t, []int{0, 1, 0, 1}, ranks)
}

func TestDistributionString(t *testing.T) {
	require.Equal(t, "indivisible", circuit.Indivisible.String())
	require.Equal(t, "block", circuit.Block.String())
	require.Equal(t, "Distribution(7)", circuit.Distribution(7).String())
}
