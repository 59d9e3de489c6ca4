package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/intervox/pkg/audio"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func ramp(n int, step int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i) * step
	}
	return s
}

func TestResampler_Passthrough(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3})
	for _, r := range []*audio.Resampler{
		audio.NewResampler(24000, 24000),
		audio.NewResampler(0, 24000),
		audio.NewResampler(16000, -1),
	} {
		if !r.Passthrough() {
			t.Errorf("Passthrough() = false for %v", r)
		}
		if out := r.Process(pcm); &out[0] != &pcm[0] {
			t.Error("passthrough copied its input")
		}
	}
}

func TestResampler_Values(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		src, dst int
		in       []int16
		want     []int16
	}{
		{
			name: "downsample picks every third sample",
			src:  48000, dst: 16000,
			in:   []int16{0, 1, 2, 30, 4, 5, 60, 7, 8},
			want: []int16{0, 30, 60},
		},
		{
			name: "upsample interpolates midpoints",
			src:  12000, dst: 24000,
			in:   []int16{0, 100, 200},
			want: []int16{0, 50, 100, 150, 200, 200},
		},
		{
			name: "client rate to realtime rate",
			src:  16000, dst: 24000,
			in:   []int16{0, 300, 600, 900},
			want: []int16{0, 200, 400, 600, 800, 900},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.NewResampler(tt.src, tt.dst).Process(samplesToBytes(tt.in)))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResampler_ChunkedMatchesWhole(t *testing.T) {
	t.Parallel()
	in := samplesToBytes(ramp(960, 7))
	whole := audio.NewResampler(48000, 24000).Process(in)

	r := audio.NewResampler(48000, 24000)
	var chunked []byte
	for c := range slices.Chunk(in, 2*96) {
		chunked = append(chunked, r.Process(c)...)
	}
	if !slices.Equal(chunked, whole) {
		t.Errorf("chunked output differs from whole-buffer output")
	}
}

func TestResampler_NoDriftAcrossChunks(t *testing.T) {
	t.Parallel()
	// 100 samples at 44.1 kHz is 54.4 samples at 24 kHz; truncating each
	// chunk would lose 42 samples over the stream.
	r := audio.NewResampler(44100, 24000)
	total := 0
	for range 100 {
		total += len(r.Process(make([]byte, 200))) / 2
	}
	if total != 5443 {
		t.Errorf("total output = %d samples, want 5443", total)
	}
}

func TestResampler_SampleSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, -200, 300, -400, 500, -600})
	want := audio.NewResampler(48000, 24000).Process(pcm)

	r := audio.NewResampler(48000, 24000)
	var got []byte
	for _, chunk := range [][]byte{pcm[:3], pcm[3:4], pcm[4:9], pcm[9:]} {
		got = append(got, r.Process(chunk)...)
	}
	if !slices.Equal(got, want) {
		t.Errorf("odd-sized chunks = %v, want %v", bytesToSamples(got), bytesToSamples(want))
	}
	if s := bytesToSamples(got); !slices.Equal(s, []int16{100, 300, 500}) {
		t.Errorf("samples = %v, want [100 300 500]", s)
	}
}

func TestResampler_OddTrailingByte(t *testing.T) {
	t.Parallel()
	r := audio.NewResampler(16000, 24000)
	if out := r.Process([]byte{0x10}); out != nil {
		t.Errorf("single byte produced %v", out)
	}
	// 0x10 and 0x00 form the sample 16; 0xff waits for the next chunk.
	out := r.Process([]byte{0x00, 20, 0, 0xff})
	if s := bytesToSamples(out); len(s) != 3 || s[0] != 16 {
		t.Errorf("samples = %v, want 3 starting with 16", s)
	}
	r.Reset()
	if out := r.Process(samplesToBytes([]int16{7})); len(out) != 4 || bytesToSamples(out)[0] != 7 {
		t.Errorf("after Reset got %v, want the carried byte dropped", bytesToSamples(out))
	}
}

func TestResampler_Reset(t *testing.T) {
	t.Parallel()
	r := audio.NewResampler(16000, 24000)
	first := r.Process(samplesToBytes([]int16{0, 300, 600, 900}))
	r.Process(samplesToBytes([]int16{5, 5, 5}))
	r.Reset()
	if again := r.Process(samplesToBytes([]int16{0, 300, 600, 900})); !slices.Equal(again, first) {
		t.Errorf("after Reset got %v, want %v", bytesToSamples(again), bytesToSamples(first))
	}
}
