package portaudio

import (
	"sync"
	"time"
)

// timeline renders scheduled buffers into device callback buffers. Its
// clock is the number of samples rendered so far, so it never drifts from
// what the hardware actually played.
type timeline struct {
	rate int

	mu       sync.Mutex
	rendered int64
	items    []*item
}

type item struct {
	tl      *timeline
	samples []float32
	start   int64 // absolute sample position
	onEnded func()
	done    bool
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

// now returns the playback position.
func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration(t.rendered)
}

// schedule places samples at device time at, or at the current position if
// at is already past.
func (t *timeline) schedule(samples []float32, at time.Duration, onEnded func()) *item {
	t.mu.Lock()
	defer t.mu.Unlock()
	it := &item{
		tl:      t,
		samples: samples,
		start:   max(t.position(at), t.rendered),
		onEnded: onEnded,
	}
	t.items = append(t.items, it)
	return it
}

// render fills out with the mix of every buffer overlapping the next
// len(out) samples and returns the completion callbacks of buffers that
// finished. Callbacks must run outside the audio thread.
func (t *timeline) render(out []float32) []func() {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.rendered
	to := from + int64(len(out))
	var ended []func()
	kept := t.items[:0]
	for _, it := range t.items {
		end := it.start + int64(len(it.samples))
		lo, hi := max(it.start, from), min(end, to)
		for p := lo; p < hi; p++ {
			out[p-from] += it.samples[p-it.start]
		}
		if end <= to {
			it.done = true
			if it.onEnded != nil {
				ended = append(ended, it.onEnded)
			}
			continue
		}
		kept = append(kept, it)
	}
	clear(t.items[len(kept):])
	t.items = kept
	t.rendered = to

	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
	return ended
}

// stopAll removes every buffer and returns their completion callbacks.
func (t *timeline) stopAll() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ended []func()
	for _, it := range t.items {
		it.done = true
		if it.onEnded != nil {
			ended = append(ended, it.onEnded)
		}
	}
	t.items = nil
	return ended
}

// Stop removes the buffer and reports completion. Stopping a finished
// buffer is a no-op.
func (it *item) Stop() {
	t := it.tl
	t.mu.Lock()
	if it.done {
		t.mu.Unlock()
		return
	}
	it.done = true
	for i, other := range t.items {
		if other == it {
			t.items = append(t.items[:i], t.items[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if it.onEnded != nil {
		it.onEnded()
	}
}

func (t *timeline) position(d time.Duration) int64 {
	return int64(d * time.Duration(t.rate) / time.Second)
}

func (t *timeline) duration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(t.rate)
}
