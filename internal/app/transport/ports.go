package transport

import (
	"sync"

	"github.com/dkeye/Jingle/internal/core"
)

// PortTracker hands out the local port range for new ICE streams and keeps a
// next-free hint so consecutive streams do not retry ports already bound.
type PortTracker struct {
	mu   sync.Mutex
	min  int
	max  int
	next int
}

// NewPortTracker tracks [min, max]. A zero range leaves binding to the OS.
func NewPortTracker(min, max int) *PortTracker {
	if min < 0 || max < min {
		min, max = 0, 0
	}
	return &PortTracker{min: min, max: max, next: min}
}

func (p *PortTracker) Range() core.PortRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return core.PortRange{Min: p.min, Max: p.max}
}

// Hinted is the range starting at the next-free hint.
func (p *PortTracker) Hinted() core.PortRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return core.PortRange{Min: p.next, Max: p.max}
}

// Next is the current next-free hint.
func (p *PortTracker) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Observe moves the hint past the highest allocated port inside the range,
// wrapping to the start when it runs off the end.
func (p *PortTracker) Observe(ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.max == 0 {
		return
	}
	highest := -1
	for _, port := range ports {
		if port >= p.min && port <= p.max && port > highest {
			highest = port
		}
	}
	if highest < 0 {
		return
	}
	p.next = highest + 1
	if p.next > p.max {
		p.next = p.min
	}
}
