package domain

import (
	"time"

	"github.com/google/uuid"
)

// SlotState represents the lifecycle state of a pooled slot.
type SlotState string

const (
	StateIdle   SlotState = "idle"   // In the pool, available for acquisition
	StateInUse  SlotState = "in_use" // Exclusively held by one caller
	StateClosed SlotState = "closed" // Terminal; resource destroyed or being destroyed
)

// Slot is the pool's bookkeeping record for one underlying resource.
// The handle is opaque to the pool: it is created and destroyed by the
// factory and never interpreted in between.
type Slot struct {
	ID         string    `json:"id"`
	Handle     any       `json:"-"`
	State      SlotState `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   uint64    `json:"use_count"`
}

// NewInUseSlot builds the slot for a freshly created resource. The slot is
// born in_use with the creating caller as owner; it must never be observable
// as idle before its first release.
func NewInUseSlot(handle any) *Slot {
	now := time.Now()
	return &Slot{
		ID:         uuid.NewString(),
		Handle:     handle,
		State:      StateInUse,
		CreatedAt:  now,
		LastUsedAt: now,
		UseCount:   1,
	}
}

// Age returns how long ago the slot was created.
func (s *Slot) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// IdleFor returns how long the slot has gone unused.
func (s *Slot) IdleFor() time.Duration {
	return time.Since(s.LastUsedAt)
}
