// Package xferstat collects and prints transport counters.
package xferstat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TransfersStarted Counter = iota
	BytesSent
	BytesReceived
	FramesSent
	FramesReceived
	FramesResent
	FramesFailed
	FramesDropped
	AcksSent
	AcksReceived
	DuplicateMsgs
	EngineSubmitted
	EngineRejected
	EngineCompleted
	numCounters
)

func (c Counter) String() string {
	switch c {
	case TransfersStarted:
		return "transfers_started"
	case BytesSent:
		return "bytes_sent"
	case BytesReceived:
		return "bytes_received"
	case FramesSent:
		return "frames_sent"
	case FramesReceived:
		return "frames_received"
	case FramesResent:
		return "frames_resent"
	case FramesFailed:
		return "frames_failed"
	case FramesDropped:
		return "frames_dropped"
	case AcksSent:
		return "acks_sent"
	case AcksReceived:
		return "acks_received"
	case DuplicateMsgs:
		return "duplicate_msgs"
	case EngineSubmitted:
		return "engine_submitted"
	case EngineRejected:
		return "engine_rejected"
	case EngineCompleted:
		return "engine_completed"
	}
	return ""
}

// Counters returns every defined counter in display order.
func Counters() []Counter {
	out := make([]Counter, 0, numCounters)
	for c := range numCounters {
		out = append(out, c)
	}
	return out
}

// Per-transport values.
type TransportStats map[Counter]uint64

// Multi-transport stats, keyed by protocol.
type Stats map[string]TransportStats

// Source is implemented by drivers that keep counters.
type Source interface {
	Protocol() string
	Counters() TransportStats
}

// Snapshot reads the counters of every source.
func Snapshot(sources ...Source) Stats {
	s := make(Stats, len(sources))
	for _, src := range sources {
		s[src.Protocol()] = src.Counters()
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for proto, now := range s {
		prev := old[proto]
		diff := make(TransportStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[proto] = diff
	}
	return out
}

// Total sums one counter over every transport.
func (s Stats) Total(c Counter) uint64 {
	var n uint64
	for _, ts := range s {
		n += ts[c]
	}
	return n
}

// Print writes the non-zero counters of every transport, sorted by protocol.
func Print(w io.Writer, s Stats) error {
	protos := make([]string, 0, len(s))
	for p := range s {
		protos = append(protos, p)
	}
	slices.Sort(protos)

	for _, p := range protos {
		stats := s[p]
		if _, err := fmt.Fprintf(w, "%s:\n", p); err != nil {
			return err
		}
		for _, c := range Counters() {
			v, ok := stats[c]
			if !ok || v == 0 {
				continue
			}
			var err error
			switch c {
			case BytesSent, BytesReceived:
				_, err = fmt.Fprintf(w, "  %-18s ≈ %-8s (%s)\n",
					c, humanize.Bytes(v), humanize.Comma(int64(v)))
			default:
				_, err = fmt.Fprintf(w, "  %-18s %s\n", c, humanize.Comma(int64(v)))
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
