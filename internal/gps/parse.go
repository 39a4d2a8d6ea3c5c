package gps

import (
	"fmt"
	"strconv"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// ParseGGA parses a single NMEA line. It returns ok=false without error for
// valid sentences of other types. Checksum and field validation is done by go-nmea.
func ParseGGA(line string, received time.Time) (fix Fix, ok bool, err error) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return fix, false, err
	}

	if sentence.DataType() != nmea.TypeGGA {
		return fix, false, nil
	}

	gga, isGGA := sentence.(nmea.GGA)
	if !isGGA {
		return fix, false, fmt.Errorf("unexpected sentence type %T", sentence)
	}

	quality, err := strconv.Atoi(gga.FixQuality)
	if err != nil {
		return fix, false, fmt.Errorf("invalid fix quality %q: %w", gga.FixQuality, err)
	}

	if gga.NumSatellites < 0 {
		return fix, false, fmt.Errorf("invalid number of satellites: %d", gga.NumSatellites)
	}

	fix = Fix{
		Latitude:   gga.Latitude,
		Longitude:  gga.Longitude,
		Quality:    Quality(quality),
		Satellites: int(gga.NumSatellites),
		Altitude:   gga.Altitude,
		HDOP:       gga.HDOP,
		Time:       timeOfDay(gga.Time, received),
		Received:   received,
	}
	return fix, true, nil
}

func timeOfDay(t nmea.Time, received time.Time) time.Time {
	if !t.Valid {
		return received.UTC()
	}

	y, m, d := received.UTC().Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
