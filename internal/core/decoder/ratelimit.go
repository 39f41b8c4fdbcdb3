package decoder

import "time"

// fragmentRateLimiter caps fragments per source address within a fixed
// window. Counts reset wholesale when the window rolls over.
type fragmentRateLimiter struct {
	counts       map[[4]byte]int
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int
	rejected     uint64
}

// newFragmentRateLimiter returns nil when maxPerIP <= 0.
func newFragmentRateLimiter(maxPerIP int, window time.Duration) *fragmentRateLimiter {
	if maxPerIP <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &fragmentRateLimiter{
		counts:       make(map[[4]byte]int),
		windowSize:   window,
		maxPerWindow: maxPerIP,
	}
}

func (l *fragmentRateLimiter) allow(src [4]byte, now time.Time) bool {
	if now.Sub(l.windowStart) >= l.windowSize {
		clear(l.counts)
		l.windowStart = now
	}
	l.counts[src]++
	if l.counts[src] > l.maxPerWindow {
		l.rejected++
		return false
	}
	return true
}

func (l *fragmentRateLimiter) activeIPs() int { return len(l.counts) }
