// Package portaudio binds the default system microphone and speaker to the
// capture and playback contracts using PortAudio.
//
// Call [Init] once before opening any device and run the returned release
// function when done.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/audio/capture"
	"github.com/MrWong99/intervox/pkg/audio/playback"
)

var (
	_ capture.Device  = (*Input)(nil)
	_ playback.Player = (*Output)(nil)
)

// Init initialises the PortAudio library.
func Init() (release func(), err error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return func() { _ = pa.Terminate() }, nil
}

// Input is the default input device opened as a mono float32 stream.
type Input struct {
	rate   int
	buf    []float32
	stream *pa.Stream
}

// NewInput prepares an input that reads framesPerBuffer samples at rate.
// The stream is not opened until [Input.Open].
func NewInput(rate, framesPerBuffer int) *Input {
	return &Input{rate: rate, buf: make([]float32, framesPerBuffer)}
}

// Open opens and starts the default input stream.
func (in *Input) Open() error {
	stream, err := pa.OpenDefaultStream(1, 0, float64(in.rate), len(in.buf), in.buf)
	if err != nil {
		return fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start input: %w", err)
	}
	in.stream = stream
	return nil
}

// Read blocks for one buffer and copies it into buf. Input overflows lose a
// buffer of audio but are not fatal.
func (in *Input) Read(buf []float32) (int, error) {
	if in.stream == nil {
		return 0, errors.New("portaudio: input not open")
	}
	if err := in.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return 0, err
	}
	return copy(buf, in.buf), nil
}

// Close stops and closes the stream.
func (in *Input) Close() error {
	if in.stream == nil {
		return nil
	}
	err := errors.Join(in.stream.Stop(), in.stream.Close())
	in.stream = nil
	return err
}

// SampleRate reports the configured capture rate.
func (in *Input) SampleRate() int { return in.rate }

// Output is the default output device opened as a mono float32 stream.
type Output struct {
	mu     sync.Mutex
	buf    []float32
	stream *pa.Stream
}

// OpenOutput opens and starts the default output stream at rate.
func OpenOutput(rate, framesPerBuffer int) (*Output, error) {
	buf := make([]float32, framesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 1, float64(rate), framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	return &Output{buf: buf, stream: stream}, nil
}

// Play writes pcm one device buffer at a time, stopping early when ctx is
// cancelled. A trailing partial buffer is padded with silence.
func (o *Output) Play(ctx context.Context, pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return errors.New("portaudio: output closed")
	}

	samples := audio.PCM16ToFloat32(pcm)
	for len(samples) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(o.buf, samples)
		clear(o.buf[n:])
		samples = samples[n:]
		if err := o.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops and closes the stream.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	err := errors.Join(o.stream.Stop(), o.stream.Close())
	o.stream = nil
	return err
}
