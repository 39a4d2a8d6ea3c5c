package sdr

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/bemasher/rtltcp"
)

// Handle is an open connection streaming interleaved unsigned 8-bit I/Q bytes
type Handle interface {
	io.ReadCloser
	SetReadDeadline(t time.Time) error
	Tune(config Config) error
}

// Dialer opens a Handle to an rtl_tcp server
type Dialer func(ctx context.Context, address string) (Handle, error)

// rtlTCP is a Handle backed by an rtl_tcp client connection
type rtlTCP struct {
	*rtltcp.SDR
}

func dialRTLTCP(ctx context.Context, address string) (Handle, error) {
	addr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return nil, err
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	s := &rtltcp.SDR{}
	if err = s.Connect(addr); err != nil {
		return nil, err
	}

	return &rtlTCP{SDR: s}, nil
}

// Tune pushes centre frequency, sample rate, correction and gain to the dongle
func (h *rtlTCP) Tune(config Config) error {
	if err := h.SetCenterFreq(config.Frequency); err != nil {
		return fmt.Errorf("setting centre frequency: %w", err)
	}
	if err := h.SetSampleRate(config.SampleRate); err != nil {
		return fmt.Errorf("setting sample rate: %w", err)
	}
	// rtl_tcp reads the correction as a signed 32-bit integer
	if err := h.SetFreqCorrection(uint32(int32(config.PPMError))); err != nil {
		return fmt.Errorf("setting frequency correction: %w", err)
	}

	if config.Gain == 0 {
		if err := h.SetGainMode(false); err != nil {
			return fmt.Errorf("setting automatic gain: %w", err)
		}
		return h.SetAGCMode(true)
	}

	if err := h.SetGainMode(true); err != nil {
		return fmt.Errorf("setting manual gain mode: %w", err)
	}
	// tenths of a dB
	if err := h.SetGain(uint32(math.Round(config.Gain * 10))); err != nil {
		return fmt.Errorf("setting gain: %w", err)
	}
	return nil
}
