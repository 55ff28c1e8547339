package upload

import "sync"

// progressTracker aggregates per-file progress with equal weight per file,
// whatever the file sizes
type progressTracker struct {
	mu        sync.Mutex
	fractions []float64
	notify    Progress
	last      float64
}

func newProgressTracker(files int, notify Progress) *progressTracker {
	return &progressTracker{fractions: make([]float64, files), notify: notify}
}

// update records acked of size bytes for file i. A file never moves back.
func (p *progressTracker) update(i int, acked, size int64) {
	frac := 1.0
	if size > 0 {
		frac = float64(acked) / float64(size)
	}
	if frac > 1 {
		frac = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.fractions) || frac <= p.fractions[i] {
		return
	}
	p.fractions[i] = frac

	percent := p.percentLocked()
	if percent == p.last {
		return
	}
	p.last = percent
	// Called under the lock so observers see percentages in order
	if p.notify != nil {
		p.notify(percent)
	}
}

func (p *progressTracker) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked()
}

func (p *progressTracker) percentLocked() float64 {
	if len(p.fractions) == 0 {
		return 0
	}
	var sum float64
	for _, f := range p.fractions {
		sum += f
	}
	return sum / float64(len(p.fractions)) * 100
}
