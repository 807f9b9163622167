// Package ams models the printer's automatic material system and resolves
// job color requirements to physical slots.
package ams

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Filament describes what a slot currently holds
type Filament struct {
	Color     string `json:"color"`
	Material  string `json:"material"`
	Remaining int    `json:"remaining"`
}

// Tray is one physical slot within an AMS unit
type Tray struct {
	Index    int       `json:"index"`
	Filament *Filament `json:"filament,omitempty"`
}

// Unit is one AMS unit holding a fixed set of trays
type Unit struct {
	ID    int    `json:"id"`
	Trays []Tray `json:"trays"`
}

// TraysPerUnit is the slot count of a standard AMS unit
const TraysPerUnit = 4

// Slot is a tray flattened to a device-global index
type Slot struct {
	ID       int
	Filament *Filament
}

// Slots flattens units into a global, index-ordered slot list
func Slots(units []Unit) []Slot {
	var slots []Slot
	for _, u := range units {
		for _, t := range u.Trays {
			slots = append(slots, Slot{
				ID:       u.ID*TraysPerUnit + t.Index,
				Filament: t.Filament,
			})
		}
	}
	return slots
}

// Config tunes the matcher
type Config struct {
	// Strict rejects assignments whose color distance exceeds MaxDistance
	Strict bool `json:"strict"`
	// MaxDistance is the largest acceptable perceptual distance in strict
	// mode. The weighted RGB space spans 0..255.
	MaxDistance float64 `json:"maxDistance"`
}

// DefaultConfig returns the matcher defaults
func DefaultConfig() Config {
	return Config{Strict: false, MaxDistance: 120}
}

// Assignment maps one requested color to a slot
type Assignment struct {
	Color    string  `json:"color"`
	SlotID   int     `json:"slotId"`
	Distance float64 `json:"distance"`
}

// Missing reports a requested color with no acceptable slot, with a
// suggested operator action.
type Missing struct {
	Color      string `json:"color"`
	Suggestion string `json:"suggestion"`
}

// Result is the outcome of one resolution pass
type Result struct {
	Assignments []Assignment `json:"assignments"`
	Missing     []Missing    `json:"missing"`
}

// Complete reports whether every requested color was assigned
func (r Result) Complete() bool {
	return len(r.Missing) == 0
}

// SlotFor returns the slot assigned to color, if any
func (r Result) SlotFor(color string) (int, bool) {
	for _, a := range r.Assignments {
		if a.Color == color {
			return a.SlotID, true
		}
	}
	return 0, false
}

// Match resolves requested colors to slots. Each color is greedily assigned
// its minimum-distance unassigned loaded slot, in request order; a slot is
// never assigned twice. Ties break on the lowest slot index, so the result
// is deterministic for a given input ordering.
func Match(units []Unit, colors []string, cfg Config) Result {
	slots := Slots(units)
	assigned := make(map[int]bool)
	var result Result

	for _, color := range colors {
		best, bestDist := -1, math.MaxFloat64
		for _, s := range slots {
			if s.Filament == nil || assigned[s.ID] {
				continue
			}
			d := Distance(color, s.Filament.Color)
			if d < bestDist {
				best, bestDist = s.ID, d
			}
		}
		if best < 0 || (cfg.Strict && bestDist > cfg.MaxDistance) {
			result.Missing = append(result.Missing, Missing{
				Color:      color,
				Suggestion: suggest(slots, assigned, color),
			})
			continue
		}
		assigned[best] = true
		result.Assignments = append(result.Assignments, Assignment{
			Color:    color,
			SlotID:   best,
			Distance: bestDist,
		})
	}
	return result
}

// suggest names the operator action for an unmatched color: load into the
// first empty slot if one exists, otherwise replace the unassigned occupant
// farthest from the requested color.
func suggest(slots []Slot, assigned map[int]bool, color string) string {
	for _, s := range slots {
		if s.Filament == nil {
			return fmt.Sprintf("load %s into empty slot %d", color, s.ID)
		}
	}
	worst, worstDist := -1, -1.0
	for _, s := range slots {
		if assigned[s.ID] {
			continue
		}
		d := Distance(color, s.Filament.Color)
		if d > worstDist {
			worst, worstDist = s.ID, d
		}
	}
	if worst < 0 {
		return fmt.Sprintf("no slot available for %s", color)
	}
	return fmt.Sprintf("replace slot %d with %s", worst, color)
}

// Luma weights for perceptual color distance. Green dominates perceived
// difference.
const (
	weightR = 0.299
	weightG = 0.587
	weightB = 0.114
)

// Distance computes the luma-weighted Euclidean distance between two
// RRGGBB / RRGGBBAA hex colors. Unparseable colors are treated as black.
func Distance(a, b string) float64 {
	ar, ag, ab := parseHex(a)
	br, bg, bb := parseHex(b)
	dr, dg, db := ar-br, ag-bg, ab-bb
	return math.Sqrt(weightR*dr*dr + weightG*dg*dg + weightB*db*db)
}

func parseHex(c string) (r, g, b float64) {
	c = strings.TrimPrefix(strings.TrimSpace(c), "#")
	if len(c) != 6 && len(c) != 8 {
		return 0, 0, 0
	}
	rv, err1 := strconv.ParseUint(c[0:2], 16, 8)
	gv, err2 := strconv.ParseUint(c[2:4], 16, 8)
	bv, err3 := strconv.ParseUint(c[4:6], 16, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0
	}
	return float64(rv), float64(gv), float64(bv)
}
