package sdr

import (
	"fmt"
	"math/bits"
	"net"
	"strconv"
	"time"
)

const (
	Runtime = "rtl_tcp"
	Device  = "RTL-SDR"

	DefaultAddress      = "127.0.0.1:1234"
	DefaultFrequency    = 146_520_000
	DefaultSampleRate   = 2_048_000
	DefaultBlockSize    = 1 << 16
	DefaultReadTimeout  = 2 * time.Second
	DefaultDialAttempts = 10
	DefaultBannerWait   = 5 * time.Second

	BlockSizeMin = 1 << 8
	BlockSizeMax = 1 << 20

	FrequencyMin  = 24_000_000
	FrequencyMax  = 1_766_000_000
	SampleRateMin = 225_001
	SampleRateMax = 3_200_000
)

// Config is the radio configuration. Zero values fall back to the defaults above.
type Config struct {
	Address     string  `yaml:"address" json:"address"`         // rtl_tcp host:port
	Frequency   uint32  `yaml:"frequency" json:"frequency"`     // centre frequency (Hz)
	SampleRate  uint32  `yaml:"sampleRate" json:"sampleRate"`   // samples per second
	BlockSize   int     `yaml:"blockSize" json:"blockSize"`     // complex samples per block, power of two
	PPMError    int     `yaml:"ppmError" json:"ppmError"`       // frequency correction
	Gain        float64 `yaml:"gain" json:"gain"`               // tuner gain in dB, 0 is automatic
	DeviceIndex int     `yaml:"deviceIndex" json:"deviceIndex"` // -d device_index when spawning
	Spawn       bool    `yaml:"spawn" json:"spawn"`             // start rtl_tcp locally

	ReadTimeout  time.Duration `yaml:"-" json:"readTimeout"`
	BannerWait   time.Duration `yaml:"-" json:"bannerWait"`
	DialAttempts int           `yaml:"dialAttempts" json:"dialAttempts"`
}

func (c *Config) withDefaults() Config {
	config := *c
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.Frequency == 0 {
		config.Frequency = DefaultFrequency
	}
	if config.SampleRate == 0 {
		config.SampleRate = DefaultSampleRate
	}
	if config.BlockSize == 0 {
		config.BlockSize = DefaultBlockSize
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.BannerWait == 0 {
		config.BannerWait = DefaultBannerWait
	}
	if config.DialAttempts == 0 {
		config.DialAttempts = DefaultDialAttempts
	}
	return config
}

func (c *Config) Validate() error {
	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return fmt.Errorf("sdr.Config: invalid address %q: %w", c.Address, err)
		}
	}

	if c.Frequency != 0 && (c.Frequency < FrequencyMin || c.Frequency > FrequencyMax) {
		return fmt.Errorf("sdr.Config: frequency %d out of range [%d, %d] Hz", c.Frequency, FrequencyMin, FrequencyMax)
	}

	// the tuner rejects the 300 kHz - 900 kHz gap
	if c.SampleRate != 0 {
		if c.SampleRate < SampleRateMin || c.SampleRate > SampleRateMax ||
			(c.SampleRate > 300_000 && c.SampleRate <= 900_000) {
			return fmt.Errorf("sdr.Config: unsupported sample rate: %d", c.SampleRate)
		}
	}

	if c.BlockSize != 0 {
		if c.BlockSize < BlockSizeMin || c.BlockSize > BlockSizeMax || bits.OnesCount(uint(c.BlockSize)) != 1 {
			return fmt.Errorf("sdr.Config: block size must be a power of two between %d and %d: %d given",
				BlockSizeMin, BlockSizeMax, c.BlockSize)
		}
	}

	if c.Gain < 0 || c.Gain > 50 {
		return fmt.Errorf("sdr.Config: gain must be between 0 and 50 dB: %0.1f given", c.Gain)
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("sdr.Config: device index must not be negative: %d", c.DeviceIndex)
	}
	if c.ReadTimeout < 0 || c.BannerWait < 0 {
		return fmt.Errorf("sdr.Config: timeouts must not be negative")
	}
	if c.DialAttempts < 0 {
		return fmt.Errorf("sdr.Config: dial attempts must not be negative: %d", c.DialAttempts)
	}

	return nil
}

// Args returns the command line arguments for a locally spawned `rtl_tcp`.
// See https://manpages.debian.org/bookworm/rtl-sdr/rtl_tcp.1.en.html
func (c *Config) Args() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	config := c.withDefaults()

	host, port, _ := net.SplitHostPort(config.Address)
	if host == "" {
		host = "127.0.0.1"
	}

	args := []string{
		"-a", host,
		"-p", port,
		"-d", strconv.Itoa(config.DeviceIndex),
		"-f", strconv.FormatUint(uint64(config.Frequency), 10),
		"-s", strconv.FormatUint(uint64(config.SampleRate), 10),
	}

	if config.Gain > 0 {
		args = append(args, "-g", strconv.FormatFloat(config.Gain, 'f', 1, 64))
	}
	if config.PPMError != 0 {
		args = append(args, "-P", strconv.Itoa(config.PPMError))
	}

	return args, nil
}
