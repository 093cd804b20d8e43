// Package container drives circuits and workers cooperatively. Every
// container runs on its own locked OS thread and never blocks in a
// transfer: each pass starts the queued transfers of its circuits and then
// gives every worker one dispatch.
package container

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/circuit"
)

const DefaultTick = 100 * time.Microsecond

// Worker is dispatched once per container pass.
type Worker interface {
	// Dispatch does whatever work is ready without blocking. done reports
	// that the worker will never have work again.
	Dispatch(tick uint64) (done bool, err error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(tick uint64) (bool, error)

func (f WorkerFunc) Dispatch(tick uint64) (bool, error) { return f(tick) }

type Config struct {
	// Tick is the pause after a pass in which no worker finished.
	Tick time.Duration `yaml:"tick"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Tick < 0 {
		return errors.Errorf("container: negative tick %s", c.Tick)
	}
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	return nil
}

type Container struct {
	name     string
	conf     Config
	log      *logrus.Entry
	circuits []*circuit.Circuit
	workers  []Worker
	live     []bool
	tick     uint64
}

func New(name string, conf Config, log *logrus.Entry) (*Container, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Container{name: name, conf: conf, log: log.WithField("container", name)}, nil
}

func (c *Container) Name() string { return c.name }

// AddCircuit makes every pass start the circuit's queued transfers.
func (c *Container) AddCircuit(ci *circuit.Circuit) { c.circuits = append(c.circuits, ci) }

func (c *Container) AddWorker(w Worker) {
	c.workers = append(c.workers, w)
	c.live = append(c.live, true)
}

// Ticks returns the number of passes run so far.
func (c *Container) Ticks() uint64 { return c.tick }

// DispatchOnce runs one pass and reports whether every worker is done.
func (c *Container) DispatchOnce() (bool, error) {
	for _, ci := range c.circuits {
		if ci.Status() == circuit.Unknown {
			continue
		}
		if err := ci.CheckQueuedTransfers(); err != nil {
			return false, errors.Wrapf(err, "container %s: circuit %s", c.name, ci.ID())
		}
	}
	done := true
	for i, w := range c.workers {
		if !c.live[i] {
			continue
		}
		finished, err := w.Dispatch(c.tick)
		if err != nil {
			return false, errors.Wrapf(err, "container %s: worker %d", c.name, i)
		}
		if finished {
			c.live[i] = false
			c.log.WithField("worker", i).Debug("worker done")
			continue
		}
		done = false
	}
	c.tick++
	return done, nil
}

// Run dispatches every container on its own goroutine until all their
// workers are done, one fails or ctx is canceled. It returns the first
// error, or context.Canceled.
func Run(ctx context.Context, containers ...*Container) error {
	if len(containers) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(containers))
	var wg sync.WaitGroup
	wg.Add(len(containers))
	for _, c := range containers {
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for ctx.Err() == nil {
				done, err := c.DispatchOnce()
				if err != nil {
					errCh <- err
					return
				}
				if done {
					c.log.WithField("ticks", c.tick).Debug("container finished")
					return
				}
				time.Sleep(c.conf.Tick)
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-finished:
		select {
		case err := <-errCh:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return context.Canceled
	}
}
