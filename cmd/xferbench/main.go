// Command xferbench streams messages from a producer container to a
// consumer container through one circuit and reports the throughput.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/opencpi/opencpi-sub021/buffer"
	"github.com/opencpi/opencpi-sub021/circuit"
	"github.com/opencpi/opencpi-sub021/config"
	"github.com/opencpi/opencpi-sub021/container"
	"github.com/opencpi/opencpi-sub021/dataplane"
	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

const (
	DefaultCount       = 100_000
	DefaultMessageSize = 1024
	DefaultBuffers     = 8
)

type Config struct {
	Dataplane config.Config `yaml:"dataplane"`

	Transport   string `yaml:"transport"`
	Count       uint64 `yaml:"count"`
	MessageSize uint64 `yaml:"message-size"`
	Buffers     int    `yaml:"buffers"`
	// BufferSize defaults to MessageSize.
	BufferSize uint64 `yaml:"buffer-size"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Transport == "" {
		c.Transport = pio.Protocol
	}
	if c.Count == 0 {
		c.Count = DefaultCount
	}
	if c.MessageSize == 0 {
		c.MessageSize = DefaultMessageSize
	}
	if c.Buffers == 0 {
		c.Buffers = DefaultBuffers
	}
	if c.BufferSize == 0 {
		c.BufferSize = c.MessageSize
	}
	if c.MessageSize < 4 {
		return errors.New("message-size must be at least 4")
	}
	if c.MessageSize > c.BufferSize {
		return errors.Errorf("message-size %d exceeds buffer-size %d", c.MessageSize, c.BufferSize)
	}
	if c.Count > 1<<32 {
		return errors.New("count must fit a 32 bit sequence")
	}
	c.Dataplane.Transports = []string{c.Transport}
	return c.Dataplane.ValidateAndSetDefaults()
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fTransport := flag.String("t", "", "transport protocol")
	fCount := flag.Uint64("n", 0, "message count")
	fSize := flag.Uint64("l", 0, "message size")
	fBuffers := flag.Int("b", 0, "buffers per port")
	fLogLevel := flag.String("v", "", "log level")

	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&conf); err != nil {
			return nil, errors.Wrap(err, "parsing YAML")
		}
	}

	// Apply CLI overrides if necessary.
	if *fTransport != "" {
		conf.Transport = *fTransport
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fSize != 0 {
		conf.MessageSize = *fSize
	}
	if *fBuffers != 0 {
		conf.Buffers = *fBuffers
	}
	if *fLogLevel != "" {
		conf.Dataplane.Log.Level = *fLogLevel
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func circuitConfig(d *dataplane.Dataplane, conf *Config, producer bool) circuit.Config {
	ctx := context.Background()
	out, err := d.Lookup(ctx, "xferbench.out")
	fatalIf(err, "looking up output window")
	in, err := d.Lookup(ctx, "xferbench.in")
	fatalIf(err, "looking up input window")
	return circuit.Config{
		ID: "xferbench",
		Output: circuit.PortSetConfig{Ports: []circuit.PortConfig{{
			Smem: out, Buffers: conf.Buffers, BufferSize: conf.BufferSize, Owned: producer,
		}}},
		Inputs: []circuit.PortSetConfig{{Ports: []circuit.PortConfig{{
			Smem: in, Buffers: conf.Buffers, BufferSize: conf.BufferSize, Owned: !producer,
		}}}},
	}
}

type Stats struct {
	Sent     atomic.Uint64
	Received atomic.Uint64
	Bytes    atomic.Uint64
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log := conf.Dataplane.Log.Logger(os.Stderr)
	d, err := dataplane.New(conf.Dataplane, log)
	fatalIf(err, "creating dataplane")
	defer func() { fatalIf(d.Close(), "closing dataplane") }()

	// The output window also holds the shadow of the input buffers.
	layout := buffer.Layout{Buffers: conf.Buffers, BufferSize: conf.BufferSize, Shadow: conf.Buffers}
	ctx := context.Background()
	_, err = d.Window(ctx, conf.Transport, "xferbench.out", layout.Size())
	fatalIf(err, "allocating output window")
	_, err = d.Window(ctx, conf.Transport, "xferbench.in", layout.Size())
	fatalIf(err, "allocating input window")

	prod, err := d.NewCircuit(circuitConfig(d, conf, true))
	fatalIf(err, "opening producer circuit")
	defer func() { fatalIf(prod.Close(), "closing producer circuit") }()
	cons, err := d.NewCircuit(circuitConfig(d, conf, false))
	fatalIf(err, "opening consumer circuit")
	defer func() { fatalIf(cons.Close(), "closing consumer circuit") }()

	var stats Stats
	pc, err := d.NewContainer("producer")
	fatalIf(err, "creating producer container")
	pc.AddCircuit(prod)
	pc.AddWorker(container.WorkerFunc(func(uint64) (bool, error) {
		for stats.Sent.Load() < conf.Count {
			ob, err := prod.NextEmptyOutputBuffer()
			if err != nil || ob == nil {
				return false, err
			}
			seq := stats.Sent.Load()
			binary.LittleEndian.PutUint32(ob.Data(), uint32(seq))
			md := buffer.MetaData{Length: uint32(conf.MessageSize), Sequence: uint32(seq)}
			if err := prod.SendOutputBuffer(ob, md); err != nil {
				return false, err
			}
			stats.Sent.Add(1)
		}
		// Keep driving queued transfers until the consumer has everything.
		return stats.Received.Load() == conf.Count, nil
	}))

	cc, err := d.NewContainer("consumer")
	fatalIf(err, "creating consumer container")
	cc.AddCircuit(cons)
	cc.AddWorker(container.WorkerFunc(func(uint64) (bool, error) {
		for {
			ib := cons.NextFullInputBuffer(0)
			if ib == nil {
				return false, nil
			}
			want := stats.Received.Load()
			data := ib.Data()
			if got := binary.LittleEndian.Uint32(data); got != uint32(want) {
				return false, errors.Errorf("received message %d, want %d", got, want)
			}
			stats.Bytes.Add(uint64(len(data)))
			if err := cons.ReleaseInputBuffer(ib); err != nil {
				return false, err
			}
			if stats.Received.Add(1) == conf.Count {
				return true, nil
			}
		}
	}))

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastRx uint64
		lastTime := time.Now()
		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			rx := stats.Received.Load()
			rate := uint64(float64(rx-lastRx) / dt)
			lastRx = rx
			fmt.Printf("TX=%d RX=%d RX-MPS=%d\n", stats.Sent.Load(), rx, rate)
		}
	}()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	before := d.Stats()
	start := time.Now()
	err = container.Run(runCtx, pc, cc)
	elapsed := time.Since(start).Seconds()
	if !errors.Is(err, context.Canceled) {
		fatalIf(err, "running containers")
	}
	delta := d.Stats().Since(before)

	received := stats.Received.Load()
	rxBytes := stats.Bytes.Load()

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Transport:         %s\n", conf.Transport)
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d messages\n", stats.Sent.Load())
	p.Printf(" RX:                %d messages (%s)\n", received, humanize.IBytes(rxBytes))
	p.Printf(" RX Avg MPS:        %d\n", uint64(float64(received)/elapsed))
	p.Printf(" RX Avg rate:       %s/s\n", humanize.IBytes(uint64(float64(rxBytes)/elapsed)))
	p.Printf(" Transfers started: %d\n", delta.Total(xferstat.TransfersStarted))
	p.Print("\nTRANSPORT COUNTERS\n")
	fatalIf(xferstat.Print(os.Stdout, delta), "printing counters")
}
