// Package capture turns a microphone-style [Device] into an ordered stream of
// PCM16 [audio.AudioFrame]s ready to be sent to the relay.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/intervox/pkg/audio"
)

// ErrDeviceUnavailable is returned by [Capture.Start] when the device cannot
// be opened. It is fatal; capture does not retry.
var ErrDeviceUnavailable = errors.New("capture: audio device unavailable")

// DefaultFrameSize is the number of samples read per frame when no
// [WithFrameSize] option is given (~43 ms at 24 kHz).
const DefaultFrameSize = 1024

// Device is a mono float32 input source.
type Device interface {
	// Open acquires the device and starts the stream.
	Open() error

	// Read fills buf with up to len(buf) samples in [-1, 1] and returns the
	// number written. It blocks until samples are available.
	Read(buf []float32) (int, error)

	// Close releases the device.
	Close() error

	// SampleRate reports the native rate of the samples returned by Read.
	SampleRate() int
}

// Option configures a [Capture].
type Option func(*Capture)

// WithFrameSize sets the number of device samples per emitted frame.
func WithFrameSize(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithTargetRate resamples frames to rate when the device runs at a different
// rate. Zero keeps the device rate.
func WithTargetRate(rate int) Option {
	return func(c *Capture) { c.targetRate = rate }
}

// WithBuffer sets the capacity of the frame channel.
func WithBuffer(n int) Option {
	return func(c *Capture) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// Capture reads a [Device] on its own goroutine.
type Capture struct {
	dev        Device
	frameSize  int
	targetRate int
	buffer     int

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// New returns a Capture for dev.
func New(dev Device, opts ...Option) *Capture {
	c := &Capture{
		dev:       dev,
		frameSize: DefaultFrameSize,
		buffer:    16,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SampleRate reports the rate of emitted frames.
func (c *Capture) SampleRate() int {
	if c.targetRate > 0 {
		return c.targetRate
	}
	return c.dev.SampleRate()
}

// Start opens the device and begins emitting frames. The returned channel is
// closed when ctx is cancelled or the device fails; [Capture.Err] then
// reports the read error, if any. The device is closed before the channel.
func (c *Capture) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	if err := c.dev.Open(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	out := make(chan audio.AudioFrame, c.buffer)
	c.done = make(chan struct{})
	go c.run(ctx, out)
	return out, nil
}

// Wait blocks until the capture goroutine has exited and returns [Capture.Err].
func (c *Capture) Wait() error {
	if c.done != nil {
		<-c.done
	}
	return c.Err()
}

// Err returns the error that stopped capture, or nil after a clean stop.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) run(ctx context.Context, out chan<- audio.AudioFrame) {
	defer close(c.done)
	defer close(out)
	defer c.dev.Close()

	srcRate := c.dev.SampleRate()
	dstRate := srcRate
	if c.targetRate > 0 {
		dstRate = c.targetRate
	}
	rs := audio.NewResampler(srcRate, dstRate)
	buf := make([]float32, c.frameSize)
	var elapsed time.Duration

	for ctx.Err() == nil {
		n, err := c.dev.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				c.setErr(fmt.Errorf("capture: read: %w", err))
			}
			return
		}
		if n == 0 {
			continue
		}
		pcm := rs.Process(audio.EncodePCM16(buf[:n]))
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: dstRate,
			Channels:   1,
			Timestamp:  elapsed,
		}
		elapsed += audio.DurationOf(n*audio.BytesPerSample, srcRate, 1)

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Capture) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
