package spectrum

import (
	"fmt"
	"math"
	"sync"

	"github.com/runningwild/go-fftw/fftw32"
)

const (
	// MethodPeak measures the power of the dominant frequency bin
	MethodPeak Method = "peak"
	// MethodBand measures the total power across all bins
	MethodBand Method = "band"

	// DefaultFloor is the "no signal" value returned for degenerate blocks
	DefaultFloor = -120.0
)

// Method selects how a power spectrum is reduced to a single value
type Method string

func (m Method) String() string {
	return string(m)
}

// Config configures an Estimator
type Config struct {
	Method Method   `yaml:"method" json:"method"` // peak (default) or band
	Window Window   `yaml:"window" json:"window"` // window function, rectangle by default
	Floor  *float64 `yaml:"floor" json:"floor,omitempty"` // dBFS returned for silent or degenerate blocks; nil selects DefaultFloor
	Offset float64  `yaml:"offset" json:"offset"` // dB added to every measurement, e.g. antenna gain
}

func (c *Config) Validate() error {
	switch c.Method {
	case "", MethodPeak, MethodBand:
	default:
		return fmt.Errorf("spectrum.Config: invalid method: %s", c.Method)
	}
	if err := c.Window.Validate(); err != nil {
		return err
	}
	if c.Floor != nil && (math.IsNaN(*c.Floor) || math.IsInf(*c.Floor, 0)) {
		return fmt.Errorf("spectrum.Config: floor must be finite")
	}
	return nil
}

// fftMu serializes FFTW planning, which is not re-entrant.
var fftMu sync.Mutex

// Estimator converts a block of complex baseband samples into a single
// signal strength value in dB relative to full scale. It holds no state
// that affects the result, so identical blocks always yield identical values.
type Estimator struct {
	method Method
	window Window
	floor  float64
	offset float64

	mu    sync.Mutex
	coeff map[int]windowCoeff // cached per block length
}

type windowCoeff struct {
	w     []float64
	sum   float64 // Σw, coherent gain
	sumSq float64 // Σw²
}

// NewEstimator creates an Estimator. Zero values in config select a rectangle
// window and the peak method; a nil Floor selects DefaultFloor.
func NewEstimator(config Config) (*Estimator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := Estimator{
		method: config.Method,
		window: config.Window,
		floor:  DefaultFloor,
		offset: config.Offset,
		coeff:  make(map[int]windowCoeff),
	}
	if e.method == "" {
		e.method = MethodPeak
	}
	if e.window == "" {
		e.window = WindowRectangle
	}
	if config.Floor != nil {
		e.floor = *config.Floor
	}

	return &e, nil
}

// Floor returns the value reported for blocks without signal
func (e *Estimator) Floor() float64 {
	return e.floor
}

// Estimate returns the signal strength of block in dBFS. Empty, all-zero or
// otherwise degenerate blocks yield the configured floor; the result is never NaN or infinite.
func (e *Estimator) Estimate(block []complex64) float64 {
	if len(block) == 0 || isSilent(block) {
		return e.floor
	}

	wc := e.coefficients(len(block))

	arr := fftw32.NewArray(len(block))
	for i, s := range block {
		arr.Elems[i] = s * complex(float32(wc.w[i]), 0)
	}

	fftMu.Lock()
	bins := fftw32.FFT(arr)
	fftMu.Unlock()

	var power float64
	switch e.method {
	case MethodBand:
		var total float64
		for _, v := range bins.Elems {
			total += binPower(v)
		}
		power = total / (float64(len(block)) * wc.sumSq)

	default:
		var peak float64
		for _, v := range bins.Elems {
			peak = max(peak, binPower(v))
		}
		power = peak / (wc.sum * wc.sum)
	}

	db := 10 * math.Log10(power)
	if math.IsNaN(db) || math.IsInf(db, 0) || db < e.floor {
		return e.floor
	}
	return db + e.offset
}

func (e *Estimator) coefficients(n int) windowCoeff {
	e.mu.Lock()
	defer e.mu.Unlock()

	if wc, ok := e.coeff[n]; ok {
		return wc
	}

	wc := windowCoeff{w: e.window.Coefficients(n)}
	for _, v := range wc.w {
		wc.sum += v
		wc.sumSq += v * v
	}
	e.coeff[n] = wc
	return wc
}

func binPower(v complex64) float64 {
	re, im := float64(real(v)), float64(imag(v))
	return re*re + im*im
}

func isSilent(block []complex64) bool {
	for _, s := range block {
		if s != 0 {
			return false
		}
	}
	return true
}
