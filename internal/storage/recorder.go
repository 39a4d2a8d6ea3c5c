package storage

import (
	"context"
	"time"

	"github.com/roman-kulish/kermit/internal/gps"
)

// Record is a single geotagged signal strength measurement
type Record struct {
	Timestamp  time.Time   // radio acquisition time
	Latitude   float64     // decimal degrees
	Longitude  float64     // decimal degrees
	Altitude   float64     // metres above mean sea level
	Quality    gps.Quality // fix quality of the paired position
	Satellites int         // satellites in use for the paired position
	Strength   float64     // signal strength (dB)
}

// Recorder is an append-only sink for records.
type Recorder interface {
	// Append durably writes a single record. Once it returns nil the record
	// survives a crash of the process.
	//
	// Returns a *driver.PersistenceError if the record could not be written.
	Append(ctx context.Context, r Record) error

	// Close flushes and releases the sink. It is safe to call Close multiple times.
	Close() error
}
