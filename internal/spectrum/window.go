package spectrum

import (
	"fmt"
	"math"
)

const (
	// WindowRectangle is the default window function
	WindowRectangle      Window = "rectangle"
	WindowHann           Window = "hann"
	WindowHamming        Window = "hamming"
	WindowBlackman       Window = "blackman"
	WindowBlackmanHarris Window = "blackman-harris"
)

var validWindows = map[Window]struct{}{
	WindowRectangle:      {},
	WindowHann:           {},
	WindowHamming:        {},
	WindowBlackman:       {},
	WindowBlackmanHarris: {},
}

// Window is the name of a window function applied to a block before the FFT
type Window string

func (w Window) String() string {
	return string(w)
}

// Validate returns an error for unknown window names. An empty name is valid and means rectangle.
func (w Window) Validate() error {
	if w == "" {
		return nil
	}
	if _, ok := validWindows[w]; !ok {
		return fmt.Errorf("spectrum: invalid window function: %s", w)
	}
	return nil
}

// Coefficients returns the n window coefficients.
func (w Window) Coefficients(n int) []float64 {
	c := make([]float64, n)
	if n == 1 {
		c[0] = 1
		return c
	}

	d := float64(n - 1)
	for i := range c {
		x := 2 * math.Pi * float64(i) / d

		switch w {
		case WindowHann:
			c[i] = 0.5 - 0.5*math.Cos(x)
		case WindowHamming:
			c[i] = 0.54 - 0.46*math.Cos(x)
		case WindowBlackman:
			c[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
		case WindowBlackmanHarris:
			c[i] = 0.35875 - 0.48829*math.Cos(x) + 0.14128*math.Cos(2*x) - 0.01168*math.Cos(3*x)
		default:
			c[i] = 1
		}
	}
	return c
}
