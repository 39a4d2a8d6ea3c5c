package gps

import (
	"fmt"
	"time"
)

// Quality is the GGA fix quality indicator
type Quality int

const (
	NoFix Quality = iota
	GPSSPS
	Differential
	PPS
	RTK
	FloatRTK
	Estimated
	Manual
	Simulated
)

var qualityNames = map[Quality]string{
	NoFix:        "NO_FIX",
	GPSSPS:       "GPS_SPS",
	Differential: "GPS_DIFFERENTIAL",
	PPS:          "PPS",
	RTK:          "RTK",
	FloatRTK:     "FLOAT_RTK",
	Estimated:    "ESTIMATED",
	Manual:       "MANUAL_INPUT",
	Simulated:    "SIMULATED",
}

func (q Quality) String() string {
	if n, ok := qualityNames[q]; ok {
		return n
	}
	return fmt.Sprintf("QUALITY(%d)", int(q))
}

// Fix is a single position measurement parsed from a GGA sentence
type Fix struct {
	Latitude   float64   // decimal degrees, south is negative
	Longitude  float64   // decimal degrees, west is negative
	Quality    Quality   // fix quality indicator
	Satellites int       // satellites in use
	Altitude   float64   // metres above mean sea level
	HDOP       float64   // horizontal dilution of precision
	Time       time.Time // time of fix reported by the receiver, on the UTC date of reception
	Received   time.Time // host clock when the sentence was parsed
}

// Criteria decides whether a fix is good enough to geotag a measurement
type Criteria struct {
	MinSatellites int     // fewer satellites than this is not trusted
	MaxHDOP       float64 // HDOP at or above this is not trusted; zero disables the check
}

// DefaultCriteria matches the usual "trustworthy read" rule: some fix, HDOP below 20 and at least three satellites.
var DefaultCriteria = Criteria{MinSatellites: 3, MaxHDOP: 20}

// HasFix reports whether the receiver claims any kind of position solution
func (f Fix) HasFix() bool {
	return f.Quality != NoFix
}

// Trusted reports whether the fix satisfies c
func (f Fix) Trusted(c Criteria) bool {
	if !f.HasFix() {
		return false
	}
	if f.Satellites < c.MinSatellites {
		return false
	}
	if c.MaxHDOP > 0 && f.HDOP >= c.MaxHDOP {
		return false
	}
	return true
}

// Age returns how old the fix is at t, measured on the host clock
func (f Fix) Age(t time.Time) time.Duration {
	return t.Sub(f.Received)
}
