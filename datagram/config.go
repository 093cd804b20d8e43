package datagram

import (
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultFrames          = 256
	DefaultMaxFrameSize    = 1400
	DefaultMaxMsgsPerFrame = 8
	DefaultResendTimeout   = 20 * time.Millisecond
	DefaultMaxResends      = 8
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultMonitorInterval = 5 * time.Millisecond
	DefaultDoneWindow      = 4096
)

var (
	ErrFrameTooSmall = errors.New("datagram: max-frame-size leaves no room for payload")
	ErrTooManyMsgs   = errors.New("datagram: max-msgs-per-frame must be 1..255")
)

// Config tunes the frame protocol.
type Config struct {
	// Frames is the number of send frames per services.
	Frames int `yaml:"frames"`
	// MaxFrameSize bounds one frame including its headers.
	MaxFrameSize int `yaml:"max-frame-size"`
	// MaxMsgsPerFrame bounds the messages packed into one frame.
	MaxMsgsPerFrame int `yaml:"max-msgs-per-frame"`
	// ResendTimeout is the initial time a frame waits for its ACK. It
	// doubles with every resend.
	ResendTimeout time.Duration `yaml:"resend-timeout"`
	// MaxResends is the number of resends before the frame's transactions
	// fail.
	MaxResends int `yaml:"max-resends"`
	// AckDelay is how long received frames may wait for a piggyback ride
	// before a standalone ACK is sent. Zero sends ACKs immediately.
	AckDelay time.Duration `yaml:"ack-delay"`
	// PollInterval bounds one blocking socket read of the frame monitor.
	PollInterval time.Duration `yaml:"poll-interval"`
	// Monitor runs a goroutine per station resending and acknowledging
	// frames every MonitorInterval. Without it, Status drives both.
	Monitor         bool          `yaml:"monitor"`
	MonitorInterval time.Duration `yaml:"monitor-interval"`
	// DoneWindow is the number of completed transaction ids remembered per
	// peer to discard late duplicates.
	DoneWindow int `yaml:"done-window"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Frames == 0 {
		c.Frames = DefaultFrames
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxMsgsPerFrame == 0 {
		c.MaxMsgsPerFrame = DefaultMaxMsgsPerFrame
	}
	if c.ResendTimeout == 0 {
		c.ResendTimeout = DefaultResendTimeout
	}
	if c.MaxResends == 0 {
		c.MaxResends = DefaultMaxResends
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.DoneWindow == 0 {
		c.DoneWindow = DefaultDoneWindow
	}
	if c.MaxFrameSize <= FrameHeaderSize+MsgHeaderSize {
		return ErrFrameTooSmall
	}
	if c.MaxMsgsPerFrame < 1 || c.MaxMsgsPerFrame > 255 {
		return ErrTooManyMsgs
	}
	return nil
}

// maxPayload is the largest message payload fitting one frame.
func (c *Config) maxPayload() int {
	return c.MaxFrameSize - FrameHeaderSize - MsgHeaderSize
}

// resendHorizon is how long a sender keeps resending a frame before it
// fails the frame's transactions.
func (c *Config) resendHorizon() time.Duration {
	n := min(c.MaxResends, 30)
	return c.ResendTimeout * (1<<(n+1) - 1)
}
