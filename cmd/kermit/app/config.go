package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/kermit/internal/announce"
	"github.com/roman-kulish/kermit/internal/fusion"
	"github.com/roman-kulish/kermit/internal/gps"
	"github.com/roman-kulish/kermit/internal/sdr"
	"github.com/roman-kulish/kermit/internal/spectrum"
)

const (
	FormatCSV    StorageFormat = "csv"
	FormatSQLite StorageFormat = "sqlite"

	DefaultOutput = "kermit_signal"
	DefaultPPM    = 1

	durationOff = "off"
)

var validStorageFormats = map[StorageFormat]struct{}{
	FormatCSV:    {},
	FormatSQLite: {},
}

type StorageFormat string

// Duration is a time.Duration read from a Go duration string such as "500ms"
// or "2s". Negative values are written as "off".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}
	return d.parse(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(v string) error {
	if strings.EqualFold(v, durationOff) {
		*d = -1
		return nil
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) String() string {
	if d < 0 {
		return durationOff
	}
	return time.Duration(d).String()
}

// Config is the collector configuration file
type Config struct {
	Settings Settings        `yaml:"settings" json:"settings"`
	Radio    RadioConfig     `yaml:"radio" json:"radio"`
	GPS      GPSConfig       `yaml:"gps" json:"gps"`
	Spectrum spectrum.Config `yaml:"spectrum" json:"spectrum"`
	Fusion   FusionConfig    `yaml:"fusion" json:"fusion"`
	Retry    RetryConfig     `yaml:"retry" json:"retry"`
	Storage  StorageConfig   `yaml:"storage" json:"storage"`
	Announce AnnounceConfig  `yaml:"announce" json:"announce"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel slog.Level `yaml:"logLevel" json:"logLevel"`
}

// RadioConfig configures the rtl_tcp connection
type RadioConfig struct {
	Address      string   `yaml:"address" json:"address"`
	Frequency    uint32   `yaml:"frequency" json:"frequency"`
	SampleRate   uint32   `yaml:"sampleRate" json:"sampleRate"`
	BlockSize    int      `yaml:"blockSize" json:"blockSize"`
	PPMError     int      `yaml:"ppmError" json:"ppmError"`
	Gain         float64  `yaml:"gain" json:"gain"`
	DeviceIndex  int      `yaml:"deviceIndex" json:"deviceIndex"`
	Spawn        bool     `yaml:"spawn" json:"spawn"`
	Runtime      string   `yaml:"runtime" json:"runtime,omitempty"` // rtl_tcp binary, looked up when empty
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	DialAttempts int      `yaml:"dialAttempts" json:"dialAttempts"`
}

func (c *RadioConfig) sdrConfig() sdr.Config {
	return sdr.Config{
		Address:      c.Address,
		Frequency:    c.Frequency,
		SampleRate:   c.SampleRate,
		BlockSize:    c.BlockSize,
		PPMError:     c.PPMError,
		Gain:         c.Gain,
		DeviceIndex:  c.DeviceIndex,
		Spawn:        c.Spawn,
		ReadTimeout:  time.Duration(c.ReadTimeout),
		DialAttempts: c.DialAttempts,
	}
}

// GPSConfig configures receiver discovery and which fixes are trusted
type GPSConfig struct {
	DevicePath    string   `yaml:"devicePath" json:"devicePath,omitempty"`
	Candidates    []string `yaml:"candidates" json:"candidates,omitempty"`
	BaudRate      int      `yaml:"baudRate" json:"baudRate"`
	ReadTimeout   Duration `yaml:"readTimeout" json:"readTimeout"`
	ProbeTimeout  Duration `yaml:"probeTimeout" json:"probeTimeout"`
	MinSatellites int      `yaml:"minSatellites" json:"minSatellites"`
	MaxHDOP       float64  `yaml:"maxHDOP" json:"maxHDOP"`
}

func (c *GPSConfig) gpsConfig() gps.Config {
	return gps.Config{
		DevicePath:   c.DevicePath,
		Candidates:   c.Candidates,
		BaudRate:     c.BaudRate,
		ReadTimeout:  time.Duration(c.ReadTimeout),
		ProbeTimeout: time.Duration(c.ProbeTimeout),
	}
}

// FusionConfig configures pairing of samples with fixes
type FusionConfig struct {
	SampleInterval Duration `yaml:"sampleInterval" json:"sampleInterval"`
	StalenessBound Duration `yaml:"stalenessBound" json:"stalenessBound"`
	Warmup         Duration `yaml:"warmup" json:"warmup"` // "off" starts sampling without waiting for a fix
	GracePeriod    Duration `yaml:"gracePeriod" json:"gracePeriod"`
	Deduplicate    bool     `yaml:"deduplicate" json:"deduplicate"`
}

// RetryConfig holds a reopen policy per device
type RetryConfig struct {
	GPS   RetryPolicy `yaml:"gps" json:"gps"`
	Radio RetryPolicy `yaml:"radio" json:"radio"`
}

type RetryPolicy struct {
	Attempts       int      `yaml:"attempts" json:"attempts"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
}

func (p RetryPolicy) policy() fusion.Policy {
	return fusion.Policy{
		Attempts:       p.Attempts,
		InitialBackoff: time.Duration(p.InitialBackoff),
		MaxBackoff:     time.Duration(p.MaxBackoff),
	}
}

// StorageConfig selects where records go. Path has no extension; it is
// derived from the format.
type StorageConfig struct {
	Format StorageFormat `yaml:"format" json:"format"`
	Path   string        `yaml:"path" json:"path"`
}

// File returns the output path with the format extension
func (c *StorageConfig) File() string {
	return fmt.Sprintf("%s.%s", c.Path, c.Format)
}

// AnnounceConfig configures periodic signal announcements
type AnnounceConfig struct {
	Every int                  `yaml:"every" json:"every"`
	Log   bool                 `yaml:"log" json:"log"`
	MQTT  *announce.MQTTConfig `yaml:"mqtt" json:"mqtt,omitempty"`
}

// NewConfig returns a configuration with every default filled in
func NewConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: slog.LevelInfo},
		Radio: RadioConfig{
			Address:    sdr.DefaultAddress,
			Frequency:  sdr.DefaultFrequency,
			SampleRate: sdr.DefaultSampleRate,
			BlockSize:  sdr.DefaultBlockSize,
			PPMError:   DefaultPPM,
		},
		GPS: GPSConfig{
			BaudRate:      gps.DefaultBaudRate,
			MinSatellites: gps.DefaultCriteria.MinSatellites,
			MaxHDOP:       gps.DefaultCriteria.MaxHDOP,
		},
		Spectrum: spectrum.Config{
			Method: spectrum.MethodPeak,
			Window: spectrum.WindowRectangle,
		},
		Fusion: FusionConfig{
			SampleInterval: Duration(fusion.DefaultSampleInterval),
			StalenessBound: Duration(fusion.DefaultStalenessBound),
			Warmup:         Duration(fusion.DefaultWarmup),
			GracePeriod:    Duration(fusion.DefaultGracePeriod),
			Deduplicate:    true,
		},
		Retry: RetryConfig{
			GPS:   defaultRetryPolicy(),
			Radio: defaultRetryPolicy(),
		},
		Storage: StorageConfig{
			Format: FormatCSV,
			Path:   DefaultOutput,
		},
		Announce: AnnounceConfig{
			Every: fusion.DefaultAnnounceEvery,
			Log:   true,
		},
	}
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       fusion.DefaultPolicy.Attempts,
		InitialBackoff: Duration(fusion.DefaultPolicy.InitialBackoff),
		MaxBackoff:     Duration(fusion.DefaultPolicy.MaxBackoff),
	}
}

// LoadConfig reads a YAML configuration file over the defaults
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	config := NewConfig()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err = decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	radio := c.Radio.sdrConfig()
	if err := radio.Validate(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}

	g := c.GPS.gpsConfig()
	if err := g.Validate(); err != nil {
		return fmt.Errorf("gps: %w", err)
	}

	if err := c.Spectrum.Validate(); err != nil {
		return fmt.Errorf("spectrum: %w", err)
	}

	fusionConfig := c.fusionConfig()
	if err := fusionConfig.Validate(); err != nil {
		return fmt.Errorf("fusion: %w", err)
	}

	if _, ok := validStorageFormats[c.Storage.Format]; !ok {
		return fmt.Errorf("storage: invalid format: %s", c.Storage.Format)
	}
	if c.Storage.Path == "" {
		return errors.New("storage: path is required")
	}

	if c.Announce.MQTT != nil {
		if err := c.Announce.MQTT.Validate(); err != nil {
			return fmt.Errorf("announce: %w", err)
		}
	}

	return nil
}

func (c *Config) fusionConfig() fusion.Config {
	return fusion.Config{
		SampleInterval: time.Duration(c.Fusion.SampleInterval),
		StalenessBound: time.Duration(c.Fusion.StalenessBound),
		Warmup:         time.Duration(c.Fusion.Warmup),
		GracePeriod:    time.Duration(c.Fusion.GracePeriod),
		AnnounceEvery:  c.Announce.Every,
		Deduplicate:    c.Fusion.Deduplicate,
		Criteria: &gps.Criteria{
			MinSatellites: c.GPS.MinSatellites,
			MaxHDOP:       c.GPS.MaxHDOP,
		},
		GPSRetry:   c.Retry.GPS.policy(),
		RadioRetry: c.Retry.Radio.policy(),
	}
}
