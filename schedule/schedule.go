// Package schedule computes staggered time slots for a batch of account
// actions. All functions are pure given a fixed start time and random source,
// so tests never need to mock the clock.
package schedule

import (
	"math/rand"
	"sort"
	"time"
)

// PeakBand is a preferred posting window in local hours [Start, End).
type PeakBand struct {
	Start int
	End   int
}

func (b PeakBand) contains(hour int) bool {
	return hour >= b.Start && hour < b.End
}

func (b PeakBand) center() float64 {
	return float64(b.Start) + float64(b.End-b.Start)/2
}

type Config struct {
	// MinGap is a hard floor between consecutive slots; the window extends
	// rather than violate it. MaxGap is a soft ceiling on spacing.
	MinGap time.Duration
	MaxGap time.Duration
	// PeakBands are preferred hours; PeakPull is the fraction (0..1) each
	// off-peak slot is moved toward the nearest band.
	PeakBands []PeakBand
	PeakPull  float64
	// Jitter is the maximum absolute per-slot perturbation.
	Jitter time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinGap:    3 * time.Minute,
		MaxGap:    45 * time.Minute,
		PeakBands: []PeakBand{{Start: 11, End: 14}, {Start: 18, End: 22}},
		PeakPull:  0.3,
		Jitter:    90 * time.Second,
	}
}

type Slot struct {
	AccountID uint
	At        time.Time
	Priority  int
}

// Build places one slot per account across [start, start+spread]. Consecutive
// slots are spaced by spread/N clamped into [MinGap, MaxGap]; when N*MinGap
// exceeds the requested spread the effective window grows instead.
func Build(accountIDs []uint, spread time.Duration, start time.Time, cfg Config) []Slot {
	n := len(accountIDs)
	if n == 0 {
		return nil
	}

	gap := spread / time.Duration(n)
	if gap < cfg.MinGap {
		gap = cfg.MinGap
	}
	if cfg.MaxGap > 0 && gap > cfg.MaxGap {
		gap = cfg.MaxGap
	}

	slots := make([]Slot, n)
	for i, id := range accountIDs {
		slots[i] = Slot{
			AccountID: id,
			At:        start.Add(gap * time.Duration(i)),
			Priority:  i,
		}
	}
	return slots
}

// OptimizeForPeakHours pulls off-peak slots toward the nearest configured
// band, then restores gap-floor ordering. A slot pulled earlier than start
// is clamped back to start; nothing may run before the window opens.
func OptimizeForPeakHours(slots []Slot, start time.Time, cfg Config) []Slot {
	if len(cfg.PeakBands) == 0 || cfg.PeakPull <= 0 {
		return slots
	}
	out := make([]Slot, len(slots))
	copy(out, slots)

	for i, s := range out {
		hour := float64(s.At.Hour()) + float64(s.At.Minute())/60
		if inPeak(int(hour), cfg.PeakBands) {
			continue
		}
		nearest := nearestBand(hour, cfg.PeakBands)
		deltaHours := (nearest.center() - hour) * cfg.PeakPull
		out[i].At = s.At.Add(time.Duration(deltaHours * float64(time.Hour)))
	}
	return enforceGapFloor(out, start, cfg.MinGap)
}

// AddJitter perturbs each slot independently within ±cfg.Jitter. Collisions
// introduced by jitter are resolved by nudging the later slot forward by the
// minimum gap, and a slot jittered before start is clamped back to start.
func AddJitter(slots []Slot, start time.Time, rng *rand.Rand, cfg Config) []Slot {
	if cfg.Jitter <= 0 {
		return slots
	}
	out := make([]Slot, len(slots))
	copy(out, slots)
	for i := range out {
		j := time.Duration(rng.Int63n(int64(2*cfg.Jitter))) - cfg.Jitter
		out[i].At = out[i].At.Add(j)
	}
	return enforceGapFloor(out, start, cfg.MinGap)
}

// AdjustForTimezone re-bases a slot to the account's local peak hours when
// the timezone is known; otherwise the global slot stands.
func AdjustForTimezone(slot Slot, tz string, cfg Config) Slot {
	if tz == "" || len(cfg.PeakBands) == 0 {
		return slot
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return slot
	}
	local := slot.At.In(loc)
	if inPeak(local.Hour(), cfg.PeakBands) {
		return slot
	}

	band := nearestBand(float64(local.Hour()), cfg.PeakBands)
	target := time.Date(local.Year(), local.Month(), local.Day(), band.Start, local.Minute(), local.Second(), 0, loc)
	if target.Before(local) {
		target = target.Add(24 * time.Hour)
	}
	slot.At = target.UTC()
	return slot
}

// EnforceGapFloor re-applies the start clamp and minimum spacing after
// per-slot adjustments that may cluster slots again.
func EnforceGapFloor(slots []Slot, start time.Time, minGap time.Duration) []Slot {
	return enforceGapFloor(slots, start, minGap)
}

func inPeak(hour int, bands []PeakBand) bool {
	for _, b := range bands {
		if b.contains(hour) {
			return true
		}
	}
	return false
}

func nearestBand(hour float64, bands []PeakBand) PeakBand {
	best := bands[0]
	bestDist := distToBand(hour, best)
	for _, b := range bands[1:] {
		if d := distToBand(hour, b); d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

func distToBand(hour float64, b PeakBand) float64 {
	c := b.center() - hour
	if c < 0 {
		return -c
	}
	return c
}

// enforceGapFloor clamps slots to the window start, sorts them, and pushes
// any slot closer than minGap to its predecessor forward, preserving the gap
// invariant at the cost of window width.
func enforceGapFloor(slots []Slot, start time.Time, minGap time.Duration) []Slot {
	for i := range slots {
		if slots[i].At.Before(start) {
			slots[i].At = start
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].At.Before(slots[j].At) })
	for i := 1; i < len(slots); i++ {
		if slots[i].At.Sub(slots[i-1].At) < minGap {
			slots[i].At = slots[i-1].At.Add(minGap)
		}
	}
	for i := range slots {
		slots[i].Priority = i
	}
	return slots
}
