// Package ratelimit paces frame transmission by frame and byte rate.
package ratelimit

import (
	"sync"
	"time"
)

// Config sets the sustained rates. Zero disables a limit.
type Config struct {
	FramesPerSecond uint64 `yaml:"frames-per-second"`
	BytesPerSecond  uint64 `yaml:"bytes-per-second"`
}

// Pacer spaces frames so that neither rate is exceeded on average.
// Safe for concurrent use.
type Pacer struct {
	nsPerFrame int64
	bps        uint64

	mu    sync.Mutex
	next  time.Time // earliest departure of the next frame
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a pacer for conf.
// If both rates are 0, pacing is disabled and New returns nil.
func New(conf Config) *Pacer {
	if conf.FramesPerSecond == 0 && conf.BytesPerSecond == 0 {
		return nil
	}
	p := &Pacer{
		bps:   conf.BytesPerSecond,
		now:   time.Now,
		sleep: time.Sleep,
	}
	if conf.FramesPerSecond > 0 {
		p.nsPerFrame = int64(time.Second) / int64(conf.FramesPerSecond)
	}
	return p
}

// cost is the time one frame of size bytes occupies the schedule.
func (p *Pacer) cost(size int) time.Duration {
	c := p.nsPerFrame
	if p.bps > 0 {
		c = max(c, int64(uint64(size)*uint64(time.Second)/p.bps))
	}
	return time.Duration(c)
}

// Wait blocks until a frame of size bytes may leave.
// Time spent idle is not banked: a sender that fell behind schedule does
// not get to burst.
func (p *Pacer) Wait(size int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	now := p.now()
	if p.next.Before(now) {
		p.next = now
	}
	at := p.next
	p.next = p.next.Add(p.cost(size))
	p.mu.Unlock()

	if d := at.Sub(now); d > 0 {
		p.sleep(d)
	}
}
