package relay

import (
	"bytes"
	"testing"
)

func TestBatchThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate, ms, want int
	}{
		{24000, 100, 4800},
		{16000, 100, 3200},
		{44100, 100, 8820},
		{22050, 1, 45},
		{24000, 0, 0},
		{0, 100, 0},
	}
	for _, tc := range tests {
		if got := BatchThreshold(tc.rate, tc.ms); got != tc.want {
			t.Errorf("BatchThreshold(%d, %d) = %d, want %d", tc.rate, tc.ms, got, tc.want)
		}
	}
}

func TestBatcher_FlushesOnceAtThreshold(t *testing.T) {
	t.Parallel()
	b := NewBatcher(24000, 100, 0)
	if b.Threshold() != 4800 {
		t.Fatalf("Threshold = %d, want 4800", b.Threshold())
	}

	var batches [][]byte
	var flushedAt []int
	for i := 1; i <= 10; i++ {
		frame := bytes.Repeat([]byte{byte(i)}, 600)
		if batch, ok := b.Push(frame, false); ok {
			batches = append(batches, batch)
			flushedAt = append(flushedAt, i)
		}
	}

	if len(batches) != 1 {
		t.Fatalf("flushed %d times, want exactly 1", len(batches))
	}
	if flushedAt[0] != 8 {
		t.Errorf("flushed after push %d, want 8", flushedAt[0])
	}
	if len(batches[0]) != 4800 {
		t.Errorf("batch len = %d, want 4800", len(batches[0]))
	}
	// Arrival order is preserved.
	for i := range 8 {
		if batches[0][i*600] != byte(i+1) {
			t.Fatalf("frame %d out of order", i+1)
		}
	}
	if b.Pending() != 1200 {
		t.Errorf("Pending = %d, want 1200", b.Pending())
	}
}

func TestBatcher_FlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	b := NewBatcher(24000, 100, 0)
	if got := b.Flush(); got != nil {
		t.Fatalf("Flush on empty = %v, want nil", got)
	}

	b.Push(make([]byte, 200), false)
	if got := b.Flush(); len(got) != 200 {
		t.Fatalf("Flush = %d bytes, want 200", len(got))
	}
	if got := b.Flush(); got != nil {
		t.Fatalf("second Flush = %d bytes, want nil", len(got))
	}
}

func TestBatcher_SuppressedHolds(t *testing.T) {
	t.Parallel()
	b := NewBatcher(24000, 100, 0)
	for range 10 {
		if _, ok := b.Push(make([]byte, 600), true); ok {
			t.Fatal("suppressed push emitted a batch")
		}
	}
	if b.Pending() != 6000 {
		t.Errorf("Pending = %d, want 6000", b.Pending())
	}
	// The next unsuppressed push releases everything in one batch.
	batch, ok := b.Push(make([]byte, 600), false)
	if !ok || len(batch) != 6600 {
		t.Errorf("Push = (%d, %v), want (6600, true)", len(batch), ok)
	}
}

func TestBatcher_DropsPastLimit(t *testing.T) {
	t.Parallel()
	// 200 ms at 24 kHz.
	b := NewBatcher(24000, 100, 200)
	b.Push(make([]byte, 9600), true)
	if _, ok := b.Push([]byte{1, 2}, true); ok {
		t.Fatal("overflowing push emitted a batch")
	}
	if b.Pending() != 9600 {
		t.Errorf("Pending = %d, want 9600", b.Pending())
	}
	if n := b.TakeDropped(); n != 1 {
		t.Errorf("TakeDropped = %d, want 1", n)
	}
	if n := b.TakeDropped(); n != 0 {
		t.Errorf("second TakeDropped = %d, want 0", n)
	}
}

func TestBatcher_Reset(t *testing.T) {
	t.Parallel()
	b := NewBatcher(24000, 100, 0)
	b.Push(make([]byte, 1000), false)
	b.Reset()
	if b.Pending() != 0 || b.Flush() != nil {
		t.Error("Reset left audio pending")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if StateAISpeaking.String() != "AI_SPEAKING" {
		t.Errorf("got %q", StateAISpeaking.String())
	}
	if State(99).String() != "UNKNOWN" {
		t.Errorf("got %q", State(99).String())
	}
	if !StateClosing.winding() || !StateClosed.winding() || StateListening.winding() {
		t.Error("winding() mismatch")
	}
}
