// Package capacity hands out service slots to files being uploaded. A slot
// stands for a unit of the project's requested job count; each confirmed
// file consumes one unit of the slot it was assigned.
package capacity

import (
	"context"
	"errors"
	"sync"
)

// ErrExhausted is returned when no slot has remaining capacity
var ErrExhausted = errors.New("no available service slots")

// Slot is a capacity unit with the number of files it can still take
type Slot struct {
	ID        string `json:"id"`
	Remaining int    `json:"remaining"`
}

// Provider reserves capacity for one file at a time. Reservations are atomic:
// two concurrent callers never receive the same unit.
type Provider interface {
	Reserve(ctx context.Context) (string, error)
	Release(slotID string)
}

// Pool is a first-fit Provider over a fixed slot list
type Pool struct {
	mu    sync.Mutex
	slots []Slot
}

// NewPool copies slots so the caller's slice is never mutated
func NewPool(slots []Slot) *Pool {
	cp := make([]Slot, len(slots))
	copy(cp, slots)
	return &Pool{slots: cp}
}

// Reserve takes one unit from the first slot, in list order, that has any left
func (p *Pool) Reserve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].Remaining > 0 {
			p.slots[i].Remaining--
			return p.slots[i].ID, nil
		}
	}
	return "", ErrExhausted
}

// Release gives back a unit taken by Reserve. Unknown ids are ignored.
func (p *Pool) Release(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].ID == slotID {
			p.slots[i].Remaining++
			return
		}
	}
}

// Snapshot returns the current remaining capacity per slot
func (p *Pool) Snapshot() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]Slot, len(p.slots))
	copy(cp, p.slots)
	return cp
}
