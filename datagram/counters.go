package datagram

import (
	"sync/atomic"

	"github.com/opencpi/opencpi-sub021/xferstat"
)

type counters struct {
	transfersStarted atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	framesSent       atomic.Uint64
	framesReceived   atomic.Uint64
	framesResent     atomic.Uint64
	framesFailed     atomic.Uint64
	framesDropped    atomic.Uint64
	acksSent         atomic.Uint64
	acksReceived     atomic.Uint64
	duplicateMsgs    atomic.Uint64
}

func (c *counters) snapshot() xferstat.TransportStats {
	return xferstat.TransportStats{
		xferstat.TransfersStarted: c.transfersStarted.Load(),
		xferstat.BytesSent:        c.bytesSent.Load(),
		xferstat.BytesReceived:    c.bytesReceived.Load(),
		xferstat.FramesSent:       c.framesSent.Load(),
		xferstat.FramesReceived:   c.framesReceived.Load(),
		xferstat.FramesResent:     c.framesResent.Load(),
		xferstat.FramesFailed:     c.framesFailed.Load(),
		xferstat.FramesDropped:    c.framesDropped.Load(),
		xferstat.AcksSent:         c.acksSent.Load(),
		xferstat.AcksReceived:     c.acksReceived.Load(),
		xferstat.DuplicateMsgs:    c.duplicateMsgs.Load(),
	}
}
