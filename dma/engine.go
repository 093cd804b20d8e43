package dma

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/smem"
)

var (
	ErrRingFull         = errors.New("dma: submission ring full")
	ErrEngineFault      = errors.New("dma: engine rejected descriptor batch")
	ErrEngineClosed     = errors.New("dma: engine closed")
	ErrRingSizeNotPower = errors.New("dma: ring-size must be a power of two")
)

const (
	DefaultRingSize  = 256
	DefaultInlineMax = 64
)

// Descriptor is one copy executed by an engine.
type Descriptor struct {
	Dst []byte
	// Src is read when the engine executes the descriptor.
	Src []byte
	// Inline holds source bytes captured at submit time; it replaces Src.
	Inline []byte
	// Flag stores the 4 source bytes as one atomic flag word.
	Flag bool
}

func (d *Descriptor) source() []byte {
	if d.Inline != nil {
		return d.Inline
	}
	return d.Src
}

// Job is a submitted descriptor batch. Its completion word is set by the
// engine once every descriptor has executed.
type Job struct {
	descs []Descriptor
	done  atomic.Bool
}

// Done polls the completion word.
func (j *Job) Done() bool { return j.done.Load() }

// Engine executes descriptor batches asynchronously and in submission order.
type Engine interface {
	Submit(batch []Descriptor) (*Job, error)
	Close() error
}

// EngineConfig configures a SoftEngine.
type EngineConfig struct {
	// RingSize is the number of submission slots, a power of two.
	RingSize uint32 `yaml:"ring-size"`
	// Latency delays every job, emulating a slow device.
	Latency time.Duration `yaml:"latency"`
}

func (c *EngineConfig) ValidateAndSetDefaults() error {
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return ErrRingSizeNotPower
	}
	return nil
}

// ring is a single-producer single-consumer submission ring.
// The producer owns cachedProd and the consumer owns cachedCons; prod and
// cons are published with atomic stores.
type ring struct {
	mask uint32
	size uint32
	jobs []*Job

	prod atomic.Uint32
	cons atomic.Uint32

	cachedProd uint32 // producer view
	cachedFree uint32 // producer view of cons + size
	cachedCons uint32 // consumer view
	cachedAvl  uint32 // consumer view of prod
}

func newRing(size uint32) *ring {
	return &ring{mask: size - 1, size: size, jobs: make([]*Job, size), cachedFree: size}
}

// reserve claims one slot, returning false if the ring is full.
func (r *ring) reserve() (uint32, bool) {
	if r.cachedFree-r.cachedProd == 0 {
		r.cachedFree = r.cons.Load() + r.size
		if r.cachedFree-r.cachedProd == 0 {
			return 0, false
		}
	}
	idx := r.cachedProd
	r.cachedProd++
	return idx, true
}

// commit publishes every reserved slot to the consumer.
func (r *ring) commit() { r.prod.Store(r.cachedProd) }

// available returns the number of slots ready for the consumer.
func (r *ring) available() uint32 {
	if n := r.cachedAvl - r.cachedCons; n > 0 {
		return n
	}
	r.cachedAvl = r.prod.Load()
	return r.cachedAvl - r.cachedCons
}

// SoftEngine is a DMA engine executed by one goroutine. Submission goes
// through a ring; completion is reported through each Job's completion word.
type SoftEngine struct {
	conf EngineConfig
	log  *logrus.Entry

	submitMu sync.Mutex
	sq       *ring
	doorbell chan struct{}
	halt     *idem.Halter

	faults    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
}

var _ Engine = (*SoftEngine)(nil)

func NewSoftEngine(conf EngineConfig, log *logrus.Entry) (*SoftEngine, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &SoftEngine{
		conf:     conf,
		log:      log.WithField("engine", "soft"),
		sq:       newRing(conf.RingSize),
		doorbell: make(chan struct{}, 1),
		halt:     idem.NewHalterNamed("dma-soft-engine"),
	}
	go e.run()
	return e, nil
}

// InjectFaults makes the next n submissions fail with ErrEngineFault.
func (e *SoftEngine) InjectFaults(n int32) { e.faults.Add(n) }

// Submit queues batch. A job accepted by Submit is always executed, even
// when Close runs concurrently.
func (e *SoftEngine) Submit(batch []Descriptor) (*Job, error) {
	if e.faults.Load() > 0 && e.faults.Add(-1) >= 0 {
		e.rejected.Add(1)
		return nil, ErrEngineFault
	}

	e.submitMu.Lock()
	if e.halt.ReqStop.IsClosed() {
		e.submitMu.Unlock()
		return nil, ErrEngineClosed
	}
	idx, ok := e.sq.reserve()
	if !ok {
		e.submitMu.Unlock()
		e.rejected.Add(1)
		return nil, ErrRingFull
	}
	job := &Job{descs: batch}
	e.sq.jobs[idx&e.sq.mask] = job
	e.sq.commit()
	e.submitMu.Unlock()
	e.submitted.Add(1)

	// Ring the doorbell; a pending kick already covers this job.
	select {
	case e.doorbell <- struct{}{}:
	default:
	}
	return job, nil
}

func (e *SoftEngine) run() {
	defer e.halt.Done.Close()
	for {
		for e.drain() > 0 {
		}
		select {
		case <-e.halt.ReqStop.Chan:
			e.drain()
			return
		case <-e.doorbell:
		}
	}
}

// drain executes every published job and returns how many it ran.
func (e *SoftEngine) drain() uint32 {
	n := e.sq.available()
	for range n {
		slot := e.sq.cachedCons & e.sq.mask
		job := e.sq.jobs[slot]
		e.sq.jobs[slot] = nil
		e.sq.cachedCons++
		e.sq.cons.Store(e.sq.cachedCons)

		if e.conf.Latency > 0 {
			time.Sleep(e.conf.Latency)
		}
		execute(job.descs)
		job.done.Store(true)
		e.completed.Add(1)
	}
	return n
}

func execute(descs []Descriptor) {
	for i := range descs {
		d := &descs[i]
		if d.Flag {
			continue
		}
		copy(d.Dst, d.source())
	}
	for i := range descs {
		d := &descs[i]
		if !d.Flag {
			continue
		}
		smem.WordAt(d.Dst, 0).Store(binary.NativeEndian.Uint32(d.source()))
	}
}

// Counters returns submission statistics.
func (e *SoftEngine) Counters() (submitted, completed, rejected uint64) {
	return e.submitted.Load(), e.completed.Load(), e.rejected.Load()
}

// Close stops the engine after executing every submitted job.
func (e *SoftEngine) Close() error {
	// Stop requests are ordered after every commit, so the final drain
	// sees each accepted job.
	e.submitMu.Lock()
	e.halt.ReqStop.Close()
	e.submitMu.Unlock()
	<-e.halt.Done.Chan
	e.log.Debug("soft dma engine stopped")
	return nil
}
