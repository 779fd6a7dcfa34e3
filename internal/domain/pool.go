package domain

// PoolStats is a point-in-time snapshot of pool state.
type PoolStats struct {
	Active             int     `json:"active"`              // Slots exclusively held by callers
	Idle               int     `json:"idle"`                // Slots available for acquisition
	Max                int     `json:"max"`                 // Configured capacity bound
	Pending            int     `json:"pending"`             // Callers queued waiting for a slot
	UtilizationPercent float64 `json:"utilization_percent"` // Active as a fraction of Max, in percent
	Degraded           bool    `json:"degraded"`            // Advisory high-utilization signal

	// Lifetime counters since pool construction.
	Acquires         uint64 `json:"acquires"`
	Releases         uint64 `json:"releases"`
	Timeouts         uint64 `json:"timeouts"`
	Creations        uint64 `json:"creations"`
	CreationFailures uint64 `json:"creation_failures"`
	Reaped           uint64 `json:"reaped"`
}

// Size returns the number of slots currently tracked by the pool.
func (s *PoolStats) Size() int {
	return s.Active + s.Idle
}

// Saturated returns true if the pool holds as many slots as it is allowed to.
func (s *PoolStats) Saturated() bool {
	return s.Max > 0 && s.Size() >= s.Max
}

// Headroom returns how many more slots the pool could still create.
func (s *PoolStats) Headroom() int {
	if s.Saturated() {
		return 0
	}
	return s.Max - s.Size()
}
