package announce

import (
	"fmt"
	"math"
)

const (
	// VHFThreshold is the lowest frequency announced on the VHF scale
	VHFThreshold = 30_000_000

	TooMuch = "S too much"
)

// Scale maps signal strength to extended S-units. Above S9 every further
// StepDB adds one unit instead of "S9 plus x dB"; anything at or below
// FloorDB is S0.
type Scale struct {
	Name    string
	FloorDB float64 // S0 ceiling
	StepDB  float64 // dB per unit
	MaxUnit int     // highest named unit
}

var (
	HF  = Scale{Name: "HF", FloorDB: -48, StepDB: 6, MaxUnit: 12}
	VHF = Scale{Name: "VHF", FloorDB: -48, StepDB: 6, MaxUnit: 12}
)

// ScaleFor picks the scale for a listening frequency in Hz
func ScaleFor(frequency float64) Scale {
	if frequency >= VHFThreshold {
		return VHF
	}
	return HF
}

// Unit returns the S-unit for strength in dB. Units cover half-open
// intervals (lower, upper].
func (s Scale) Unit(strength float64) string {
	if math.IsNaN(strength) || strength <= s.FloorDB {
		return "S0"
	}

	unit := int(math.Ceil((strength - s.FloorDB) / s.StepDB))
	if unit > s.MaxUnit {
		return TooMuch
	}
	return fmt.Sprintf("S%d", unit)
}
