// Package audio holds the PCM16 primitives shared by the relay and the
// capture/playback client: the [AudioFrame] unit, float-to-PCM16 encoding,
// and sample-rate conversion.
//
// All PCM in intervox is signed 16-bit little-endian. Mono is the only layout
// that crosses the wire; stereo appears only at device boundaries.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// AudioFrame is a single block of PCM16 audio produced by capture and consumed
// by the batcher. Frames are ephemeral and never persisted.
type AudioFrame struct {
	// Data is the raw PCM16 little-endian payload.
	Data []byte

	// SampleRate in Hz (e.g. 16000 or 24000).
	SampleRate int

	// Channels is 1 for everything that leaves the client.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return DurationOf(len(f.Data), f.SampleRate, f.Channels)
}

// DurationOf returns the playback length of n bytes of PCM16 audio.
func DurationOf(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the number of PCM16 mono bytes covering d at sampleRate,
// rounded up to a whole byte count.
func BytesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	num := int64(sampleRate) * BytesPerSample * int64(d)
	den := int64(time.Second)
	return int((num + den - 1) / den)
}
