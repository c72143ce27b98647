// Package profiler accumulates wall-clock time into named buckets. The
// training loop keeps one bucket per phase and flushes the means with each
// logging window.
package profiler

import (
	"fmt"
	"time"
)

type bucket struct {
	total   time.Duration
	count   int
	started time.Time
	running bool
	mark    time.Time
	marked  bool
}

// Profiler tracks elapsed time per named phase. Not safe for concurrent use.
type Profiler struct {
	buckets map[string]*bucket
	now     func() time.Time
}

// New returns an empty profiler.
func New() *Profiler {
	return &Profiler{buckets: make(map[string]*bucket), now: time.Now}
}

func (p *Profiler) get(name string) *bucket {
	b, ok := p.buckets[name]
	if !ok {
		b = &bucket{}
		p.buckets[name] = b
	}
	return b
}

// Start opens a timing span for the named bucket.
func (p *Profiler) Start(name string) {
	b := p.get(name)
	b.started = p.now()
	b.running = true
}

// Stop closes the span opened by Start and accumulates the elapsed time.
func (p *Profiler) Stop(name string) error {
	b := p.get(name)
	if !b.running {
		return fmt.Errorf("profiler: bucket %q is not running", name)
	}
	b.total += p.now().Sub(b.started)
	b.count++
	b.running = false
	return nil
}

// Bump accumulates the lap time since the previous Bump on the same bucket.
// The first Bump only sets the mark.
func (p *Profiler) Bump(name string) {
	b := p.get(name)
	t := p.now()
	if b.marked {
		b.total += t.Sub(b.mark)
		b.count++
	}
	b.mark = t
	b.marked = true
}

// Total is the accumulated time in the named bucket.
func (p *Profiler) Total(name string) time.Duration {
	if b, ok := p.buckets[name]; ok {
		return b.total
	}
	return 0
}

// Count is the number of completed spans in the named bucket.
func (p *Profiler) Count(name string) int {
	if b, ok := p.buckets[name]; ok {
		return b.count
	}
	return 0
}

// Mean is the average span duration in seconds, 0 if the bucket is empty.
func (p *Profiler) Mean(name string) float64 {
	b, ok := p.buckets[name]
	if !ok || b.count == 0 {
		return 0
	}
	return b.total.Seconds() / float64(b.count)
}

// Reset clears totals and counts but keeps Bump marks so lap timing runs
// across windows.
func (p *Profiler) Reset() {
	for _, b := range p.buckets {
		b.total = 0
		b.count = 0
	}
}
