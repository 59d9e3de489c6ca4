package audio

import "math"

// Resampler converts a stream of little-endian 16-bit mono PCM between
// sample rates using linear interpolation.
//
// Output positions are tracked as exact ratios over the whole stream, so a
// stream fed in many small chunks yields the same number of samples as one
// fed in a single call and never drifts. The last output of a chunk may
// hold the final input sample where the next one is not known yet.
//
// A Resampler is not safe for concurrent use. Use one per stream.
type Resampler struct {
	src, dst int
	in, out  int64

	// odd is the first byte of a sample split across chunks.
	odd    byte
	hasOdd bool
}

// NewResampler returns a Resampler from src to dst Hz. When either rate is
// not positive or they are equal, [Resampler.Process] passes input through.
func NewResampler(src, dst int) *Resampler {
	return &Resampler{src: src, dst: dst}
}

// Rates returns the source and destination sample rates.
func (r *Resampler) Rates() (src, dst int) { return r.src, r.dst }

// Passthrough reports whether Process returns its input unchanged.
func (r *Resampler) Passthrough() bool {
	return r.src <= 0 || r.dst <= 0 || r.src == r.dst
}

// Process resamples the next chunk of the stream. A trailing odd byte is
// kept and completes the first sample of the next chunk.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.Passthrough() {
		return pcm
	}
	if r.hasOdd {
		pcm = append([]byte{r.odd}, pcm...)
		r.hasOdd = false
	}
	if len(pcm)%BytesPerSample != 0 {
		r.odd, r.hasOdd = pcm[len(pcm)-1], true
		pcm = pcm[:len(pcm)-1]
	}
	n := int64(len(pcm) / BytesPerSample)
	if n == 0 {
		return nil
	}
	src, dst := int64(r.src), int64(r.dst)
	end := r.in + n

	// Output k sits at input position k*src/dst; emit every k before end.
	count := (end*dst+src-1)/src - r.out
	out := make([]byte, 0, count*BytesPerSample)
	for k := r.out; k*src < end*dst; k++ {
		pos := k * src
		i := pos/dst - r.in
		frac := float64(pos%dst) / float64(dst)

		s0 := sampleAt(pcm, i)
		s1 := s0
		if i+1 < n {
			s1 = sampleAt(pcm, i+1)
		}
		v := int16(math.Round(float64(s0)*(1-frac) + float64(s1)*frac))
		out = append(out, byte(v), byte(v>>8))
	}
	r.out += count
	r.in = end
	return out
}

// Reset starts a new stream.
func (r *Resampler) Reset() {
	r.in, r.out = 0, 0
	r.hasOdd = false
}

func sampleAt(pcm []byte, i int64) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}
