package relay

// BatchThreshold returns the number of PCM16 mono bytes that make up targetMs
// of audio at rate, rounded up: ceil(rate * 2 * targetMs / 1000).
func BatchThreshold(rate, targetMs int) int {
	if rate <= 0 || targetMs <= 0 {
		return 0
	}
	return (rate*2*targetMs + 999) / 1000
}

// Batcher accumulates inbound PCM16 frames into batches of at least
// [Batcher.Threshold] bytes. A Batcher holds at most one pending buffer and
// hands it out whole, so every byte is emitted exactly once and in arrival
// order. It is owned by a single goroutine.
type Batcher struct {
	threshold int
	limit     int
	pending   []byte
	dropped   int
}

// NewBatcher returns a Batcher for audio at rate. maxBufferedMs bounds how
// much audio may be held while batches are suppressed; zero means unbounded.
func NewBatcher(rate, targetMs, maxBufferedMs int) *Batcher {
	return &Batcher{
		threshold: BatchThreshold(rate, targetMs),
		limit:     BatchThreshold(rate, maxBufferedMs),
	}
}

// Threshold is the minimum batch size in bytes.
func (b *Batcher) Threshold() int { return b.threshold }

// Pending is the number of bytes held.
func (b *Batcher) Pending() int { return len(b.pending) }

// Push appends frame and returns the pending buffer once it reaches the
// threshold. While suppressed the frame is only held. A frame that would grow
// the held audio past the limit is dropped and counted.
func (b *Batcher) Push(frame []byte, suppressed bool) ([]byte, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	if b.limit > 0 && len(b.pending)+len(frame) > b.limit {
		b.dropped++
		return nil, false
	}
	b.pending = append(b.pending, frame...)
	if suppressed || len(b.pending) < b.threshold {
		return nil, false
	}
	return b.take(), true
}

// Flush returns everything pending regardless of the threshold, or nil when
// nothing is pending.
func (b *Batcher) Flush() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	return b.take()
}

// Reset discards pending audio.
func (b *Batcher) Reset() {
	b.pending = nil
}

// TakeDropped returns the number of frames dropped since the last call.
func (b *Batcher) TakeDropped() int {
	n := b.dropped
	b.dropped = 0
	return n
}

func (b *Batcher) take() []byte {
	out := b.pending
	b.pending = nil
	return out
}
