package xferstat_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/xferstat"
)

type fakeSource struct {
	proto string
	stats xferstat.TransportStats
}

func (f fakeSource) Protocol() string                  { return f.proto }
func (f fakeSource) Counters() xferstat.TransportStats { return f.stats }

func TestSinceAndTotal(t *testing.T) {
	old := xferstat.Snapshot(
		fakeSource{"a", xferstat.TransportStats{xferstat.FramesSent: 10}},
		fakeSource{"b", xferstat.TransportStats{xferstat.FramesSent: 1}},
	)
	now := xferstat.Snapshot(
		fakeSource{"a", xferstat.TransportStats{xferstat.FramesSent: 25}},
		fakeSource{"b", xferstat.TransportStats{xferstat.FramesSent: 3}},
	)
	d := now.Since(old)
	require.Equal(t, uint64(15), d["a"][xferstat.FramesSent])
	require.Equal(t, uint64(2), d["b"][xferstat.FramesSent])
	require.Equal(t, uint64(17), d.Total(xferstat.FramesSent))
}

func TestPrint(t *testing.T) {
	var b bytes.Buffer
	err := xferstat.Print(&b, xferstat.Stats{
		"ocpi-udp-rdma": {xferstat.BytesSent: 2048, xferstat.FramesResent: 1200, xferstat.AcksSent: 0},
		"ocpi-smb-pio":  {xferstat.TransfersStarted: 3},
	})
	require.NoError(t, err)
	require.Equal(t, "ocpi-smb-pio:\n"+
		"  transfers_started  3\n"+
		"ocpi-udp-rdma:\n"+
		"  bytes_sent         ≈ 2.0 kB   (2,048)\n"+
		"  frames_resent      1,200\n", b.String())
}

func TestCounterNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range xferstat.Counters() {
		require.NotEmpty(t, c.String())
		require.False(t, seen[c.String()], "duplicate name %s", c)
		seen[c.String()] = true
	}
}
