// Package progress implements the throttled progress tick: instantaneous
// speed and ETA computed from byte deltas, emitted no more often than every
// 200ms so a fast download cannot flood its observer.
package progress

import (
	"sync"
	"time"
)

const minInterval = 200 * time.Millisecond

// Snapshot is one emitted progress sample.
type Snapshot struct {
	Fraction    float64
	BytesStatus int64
	TotalBytes  int64
	SpeedBps    float64
	ETA         time.Duration // zero means undefined
	Parallel    bool
}

// Aggregator combines per-segment byte counters into a single throttled
// stream of Snapshots.
type Aggregator struct {
	mu         sync.Mutex
	totalBytes int64
	parallel   bool
	lastTotal  int64
	lastTick   time.Time
	segments   map[int]int64
}

// New creates an Aggregator for a download of totalBytes (0 if unknown).
func New(totalBytes int64, parallel bool) *Aggregator {
	return &Aggregator{
		totalBytes: totalBytes,
		parallel:   parallel,
		lastTick:   time.Now(),
		segments:   make(map[int]int64),
	}
}

// AddBytes records n additional bytes written by segment idx (idx 0 for
// sequential mode, which has exactly one "segment").
func (a *Aggregator) AddBytes(idx int, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments[idx] += n
}

// Total returns the current aggregate byte count.
func (a *Aggregator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalLocked()
}

func (a *Aggregator) totalLocked() int64 {
	var sum int64
	for _, v := range a.segments {
		sum += v
	}
	return sum
}

// Tick returns a Snapshot if at least minInterval has elapsed since the
// last tick, and false otherwise (caller should skip emission).
func (a *Aggregator) Tick() (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(a.lastTick)
	if elapsed < minInterval {
		return Snapshot{}, false
	}

	total := a.totalLocked()
	delta := total - a.lastTotal
	speed := float64(delta) / elapsed.Seconds()

	snap := Snapshot{
		BytesStatus: total,
		TotalBytes:  a.totalBytes,
		SpeedBps:    speed,
		Parallel:    a.parallel,
	}
	if a.totalBytes > 0 {
		snap.Fraction = float64(total) / float64(a.totalBytes)
	}
	if speed > 0 && total < a.totalBytes {
		remaining := float64(a.totalBytes - total)
		snap.ETA = time.Duration(remaining/speed) * time.Second
	}

	a.lastTotal = total
	a.lastTick = now
	return snap, true
}
