package endpoint_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/opencpi/opencpi-sub021/endpoint"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want endpoint.EndPoint
	}{
		{
			in: "cpi-ppp-dma://1.1:900000.18.20",
			want: endpoint.EndPoint{
				Protocol: "cpi-ppp-dma", Address: "1.1", Target: "1", Offset: 1,
				Size: 900000, Mailbox: 18, MaxCount: 20,
			},
		},
		{
			in: "ocpi-smb-pio://test1:9000000.1.20",
			want: endpoint.EndPoint{
				Protocol: "ocpi-smb-pio", Address: "test1", Target: "test1",
				Size: 9000000, Mailbox: 1, MaxCount: 20,
			},
		},
		{
			in: "ocpi-udp-rdma://127.0.0.1;40000:65536.3.20",
			want: endpoint.EndPoint{
				Protocol: "ocpi-udp-rdma", Address: "127.0.0.1;40000",
				Target: "127.0.0.1;40000", Size: 65536, Mailbox: 3, MaxCount: 20,
			},
		},
		{
			in: "ocpi-ppp-dma://bus0.0x1000:4096.2.4",
			want: endpoint.EndPoint{
				Protocol: "ocpi-ppp-dma", Address: "bus0.0x1000", Target: "bus0",
				Offset: 0x1000, Size: 4096, Mailbox: 2, MaxCount: 4,
			},
		},
	} {
		t.Run(tc.in, func(t *testing.T) {
			ep, err := endpoint.Parse(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want.Protocol, ep.Protocol)
			require.Equal(t, tc.want.Address, ep.Address)
			require.Equal(t, tc.want.Target, ep.Target)
			require.Equal(t, tc.want.Offset, ep.Offset)
			require.Equal(t, tc.want.Size, ep.Size)
			require.Equal(t, tc.want.Mailbox, ep.Mailbox)
			require.Equal(t, tc.want.MaxCount, ep.MaxCount)
			require.False(t, ep.Local)
			require.Equal(t, tc.in, ep.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		in  string
		err error
	}{
		{"ocpi-smb-pio:test1:9000.1.20", endpoint.ErrMissingProtocol},
		{"://test1:9000.1.20", endpoint.ErrMissingProtocol},
		{"ocpi-smb-pio://test1", endpoint.ErrMissingSize},
		{"ocpi-smb-pio://:9000.1.20", endpoint.ErrMalformed},
		{"ocpi-smb-pio://test1:9000.1", endpoint.ErrMalformed},
		{"ocpi-smb-pio://test1:x.1.20", endpoint.ErrMalformed},
		{"ocpi-smb-pio://test1:9000.20.20", endpoint.ErrMalformed},
		{"ocpi-smb-pio://test1.zz:9000.1.20", endpoint.ErrMalformed},
		{"ocpi-smb-pio://test1:9000.70000.20", endpoint.ErrMalformed},
	} {
		t.Run(tc.in, func(t *testing.T) {
			_, err := endpoint.Parse(tc.in)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.err), "got %v", err)
		})
	}
}

func TestFormat(t *testing.T) {
	s := endpoint.Format("ocpi-smb-pio", "node1-3", 4096, 3, 20)
	require.Equal(t, "ocpi-smb-pio://node1-3:4096.3.20", s)

	ep := endpoint.MustParse(s)
	require.Equal(t, "node1-3", ep.Target)
	require.Equal(t, s, ep.String())

	built := &endpoint.EndPoint{
		Protocol: "ocpi-udp-rdma", Address: "10.0.0.1;5000", Size: 1, Mailbox: 0, MaxCount: 2,
	}
	require.Equal(t, "ocpi-udp-rdma://10.0.0.1;5000:1.0.2", built.String())
	host, port, ok := built.HostPort()
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", host)
	require.Equal(t, "5000", port)
}
