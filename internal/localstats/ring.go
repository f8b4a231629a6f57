package localstats

import "github.com/skobkin/procview/internal/longview"

// ring is a fixed-capacity circular buffer of samples; the oldest sample is
// evicted once it is full.
type ring struct {
	buffer []longview.Point
	head   int
	size   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buffer: make([]longview.Point, capacity)}
}

func (r *ring) push(point longview.Point) {
	r.buffer[r.head] = point
	r.head = (r.head + 1) % len(r.buffer)
	if r.size < len(r.buffer) {
		r.size++
	}
}

// series returns the samples oldest first as a new slice.
func (r *ring) series() longview.Series {
	out := make(longview.Series, 0, r.size)
	start := (r.head - r.size + len(r.buffer)) % len(r.buffer)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buffer[(start+i)%len(r.buffer)])
	}
	return out
}
