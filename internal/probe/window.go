package probe

import (
	"context"
	"errors"
	"math"

	"github.com/tkjaer/echoprobe/internal/sink"
)

// Unbounded is the window capacity that disables eviction
const Unbounded = -1

// Number is the sample type a Window can hold
type Number interface {
	~int | ~int32 | ~int64 | ~uint16 | ~float64
}

// Window is a FIFO buffer of samples bounded by capacity. A capacity of
// Unbounded never evicts.
type Window[T Number] struct {
	capacity int
	samples  []T
}

// NewWindow returns an empty window. Any negative capacity is treated as Unbounded.
func NewWindow[T Number](capacity int) *Window[T] {
	if capacity < 0 {
		capacity = Unbounded
	}
	return &Window[T]{capacity: capacity}
}

// SetCapacity changes the bound and evicts the oldest samples that no longer fit
func (w *Window[T]) SetCapacity(capacity int) (evicted []T) {
	if capacity < 0 {
		capacity = Unbounded
	}
	w.capacity = capacity
	return w.trim()
}

// Add appends v and returns the samples evicted to stay within capacity
func (w *Window[T]) Add(v T) (evicted []T) {
	w.samples = append(w.samples, v)
	return w.trim()
}

func (w *Window[T]) trim() []T {
	if w.capacity < 0 || len(w.samples) <= w.capacity {
		return nil
	}
	n := len(w.samples) - w.capacity
	evicted := make([]T, n)
	copy(evicted, w.samples[:n])
	w.samples = append(w.samples[:0], w.samples[n:]...)
	return evicted
}

// Len is the number of samples held
func (w *Window[T]) Len() int { return len(w.samples) }

// Capacity is the window size, Unbounded for no limit
func (w *Window[T]) Capacity() int { return w.capacity }

// Samples returns a copy of the samples in arrival order
func (w *Window[T]) Samples() []T {
	out := make([]T, len(w.samples))
	copy(out, w.samples)
	return out
}

// Average returns the arithmetic mean, ok is false for an empty window
func (w *Window[T]) Average() (avg float64, ok bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range w.samples {
		sum += float64(s)
	}
	return sum / float64(len(w.samples)), true
}

// Best returns the smallest sample
func (w *Window[T]) Best() (best float64, ok bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	best = float64(w.samples[0])
	for _, s := range w.samples[1:] {
		best = math.Min(best, float64(s))
	}
	return best, true
}

// Worst returns the largest sample
func (w *Window[T]) Worst() (worst float64, ok bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	worst = float64(w.samples[0])
	for _, s := range w.samples[1:] {
		worst = math.Max(worst, float64(s))
	}
	return worst, true
}

// InterArrivalAverage is the mean of the signed differences between
// consecutive samples. It is 0 with fewer than two samples.
func (w *Window[T]) InterArrivalAverage() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(w.samples); i++ {
		sum += float64(w.samples[i]) - float64(w.samples[i-1])
	}
	return sum / float64(len(w.samples)-1)
}

// Jitter is the mean absolute deviation of the consecutive differences from
// interArrivalAverage. It is 0 with fewer than two samples.
func (w *Window[T]) Jitter(interArrivalAverage float64) float64 {
	if len(w.samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(w.samples); i++ {
		delta := float64(w.samples[i]) - float64(w.samples[i-1])
		sum += math.Abs(delta - interArrivalAverage)
	}
	return sum / float64(len(w.samples)-1)
}

// Round3 rounds v to three decimal places, halves away from zero
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// HistoryWindow bounds how many per-reply records a probe keeps in its sink.
// Sequences evicted from the window are deleted from the sink on the next prune.
type HistoryWindow struct {
	window  *Window[int]
	pending []int
}

func NewHistoryWindow(capacity int) *HistoryWindow {
	return &HistoryWindow{window: NewWindow[int](capacity)}
}

// Record notes that a reply record for seq was written to the sink
func (h *HistoryWindow) Record(seq int) {
	h.pending = append(h.pending, h.window.Add(seq)...)
}

// Retained returns the sequences whose records are still kept
func (h *HistoryWindow) Retained() []int { return h.window.Samples() }

func (h *HistoryWindow) Capacity() int { return h.window.Capacity() }

// PruneHistory deletes every evicted reply record of probe name from s.
// Records that fail to delete stay pending and are retried on the next prune.
func (h *HistoryWindow) PruneHistory(ctx context.Context, s sink.Sink, name string) error {
	if len(h.pending) == 0 {
		return nil
	}
	var errs []error
	remaining := h.pending[:0]
	for _, seq := range h.pending {
		if err := s.DeleteReply(ctx, name, seq); err != nil {
			errs = append(errs, err)
			remaining = append(remaining, seq)
		}
	}
	h.pending = remaining
	return errors.Join(errs...)
}
