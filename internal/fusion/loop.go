package fusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/kermit/internal/announce"
	"github.com/roman-kulish/kermit/internal/driver"
	"github.com/roman-kulish/kermit/internal/gps"
	"github.com/roman-kulish/kermit/internal/sdr"
	"github.com/roman-kulish/kermit/internal/storage"
	"github.com/roman-kulish/kermit/internal/telemetry"
)

const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultStalenessBound = 2 * time.Second
	DefaultWarmup         = 30 * time.Second
	DefaultGracePeriod    = 2 * time.Second
	DefaultAnnounceEvery  = 5

	eventBufferSize = 8
)

var (
	errNoFix        = errors.New("receiver reports no fix")
	errUntrustedFix = errors.New("position fix is not trustworthy")
)

// GPSReader is a source of position fixes
type GPSReader interface {
	Open(ctx context.Context) error
	ReadFix(ctx context.Context) (gps.Fix, error)
	Close() error
}

// RadioReader is a source of I/Q sample blocks
type RadioReader interface {
	Open(ctx context.Context) error
	ReadBlock(ctx context.Context) (sdr.Block, error)
	Close() error
}

// Estimator turns a sample block into a signal strength in dB
type Estimator interface {
	Estimate(block []complex64) float64
}

// Sample is the estimated strength of a single block
type Sample struct {
	Seq       uint64
	Strength  float64
	Timestamp time.Time
}

// Config configures the fusion loop. Zero values fall back to the defaults.
type Config struct {
	SampleInterval time.Duration // radio tick cadence
	StalenessBound time.Duration // maximum distance between a fix and the sample it tags
	Warmup         time.Duration // how long Starting waits for a first trustworthy fix; negative disables
	GracePeriod    time.Duration // how long Stopping waits for the GPS pump
	AnnounceEvery  int           // every Nth written record is announced
	Deduplicate    bool          // drop records at the same position as the previous one
	Criteria       *gps.Criteria // nil selects gps.DefaultCriteria
	GPSRetry       Policy
	RadioRetry     Policy
}

func (c *Config) Validate() error {
	if c.SampleInterval < 0 || c.StalenessBound < 0 || c.GracePeriod < 0 {
		return fmt.Errorf("fusion.Config: durations must not be negative")
	}
	if c.AnnounceEvery < 0 {
		return fmt.Errorf("fusion.Config: announce every must not be negative: %d", c.AnnounceEvery)
	}
	if c.Criteria != nil && (c.Criteria.MinSatellites < 0 || c.Criteria.MaxHDOP < 0) {
		return fmt.Errorf("fusion.Config: fix criteria must not be negative")
	}
	if err := c.GPSRetry.Validate(); err != nil {
		return fmt.Errorf("gps retry: %w", err)
	}
	if err := c.RadioRetry.Validate(); err != nil {
		return fmt.Errorf("radio retry: %w", err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SampleInterval == 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.StalenessBound == 0 {
		c.StalenessBound = DefaultStalenessBound
	}
	if c.Warmup == 0 {
		c.Warmup = DefaultWarmup
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.AnnounceEvery == 0 {
		c.AnnounceEvery = DefaultAnnounceEvery
	}
	if c.Criteria == nil {
		criteria := gps.DefaultCriteria
		c.Criteria = &criteria
	}
	c.GPSRetry = c.GPSRetry.withDefaults()
	c.RadioRetry = c.RadioRetry.withDefaults()
	return c
}

// WithLogger sets the logger for the loop
func WithLogger(logger *slog.Logger) func(l *Loop) {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithAnnouncer sets the observer notified of every Nth record
func WithAnnouncer(a announce.Announcer) func(l *Loop) {
	return func(l *Loop) {
		l.announcer = a
	}
}

// WithStateHook registers a function called on every state transition.
// It runs on the loop goroutine and must not block.
func WithStateHook(hook func(Transition)) func(l *Loop) {
	return func(l *Loop) {
		l.hooks = append(l.hooks, hook)
	}
}

// Loop polls both devices, pairs every radio sample with the freshest
// trustworthy fix and appends the result to the recorder.
type Loop struct {
	config    Config
	gps       GPSReader
	radio     RadioReader
	estimator Estimator
	recorder  storage.Recorder
	announcer announce.Announcer
	hooks     []func(Transition)
	logger    *slog.Logger

	state   atomic.Int32
	started atomic.Bool

	fixes   *telemetry.Slot[gps.Fix]
	events  chan event
	fix     *gps.Fix
	last    *storage.Record
	gpsDown bool

	written atomic.Int64
	skipped int64
}

// NewLoop creates a fusion loop with a discard logger. The loop owns the
// readers and the recorder and closes them when it stops.
func NewLoop(config Config, g GPSReader, r RadioReader, e Estimator, rec storage.Recorder, options ...func(l *Loop)) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if g == nil || r == nil || e == nil || rec == nil {
		return nil, errors.New("fusion: gps, radio, estimator and recorder are required")
	}

	l := Loop{
		config:    config.withDefaults(),
		gps:       g,
		radio:     r,
		estimator: e,
		recorder:  rec,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		fixes:     telemetry.NewSlot[gps.Fix](),
		events:    make(chan event, eventBufferSize),
	}

	for _, option := range options {
		option(&l)
	}

	return &l, nil
}

// State returns the current state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Written returns the number of records appended so far
func (l *Loop) Written() int64 {
	return l.written.Load()
}

func (l *Loop) setState(to State, device Device) {
	from := State(l.state.Swap(int32(to)))
	if from == to && to != Recovering {
		return
	}

	t := Transition{From: from, To: to, Device: device}
	l.logger.Debug(fmt.Sprintf("state %s", t.String()))

	for _, hook := range l.hooks {
		hook(t)
	}
}

// Run drives the loop until ctx is cancelled or a fatal error occurs. It
// returns nil on a clean cancellation and a *FatalError otherwise. Run can
// only be called once.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("fusion: loop already started")
	}

	l.state.Store(int32(Starting))

	pumpCtx, cancelPump := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	gpsOpen, radioOpen := false, false

	defer func() {
		cancelPump()
		if sErr := l.shutdown(pumpDone, gpsOpen, radioOpen); sErr != nil {
			err = errors.Join(err, sErr)
		}
		l.setState(Stopped, deviceOf(err))
	}()

	if err = l.open(ctx, DeviceGPS, l.config.GPSRetry, l.gps.Open); err != nil {
		return l.startErr(ctx, err)
	}
	gpsOpen = true

	go func() {
		defer close(pumpDone)
		l.pumpGPS(pumpCtx)
	}()

	if err = l.open(ctx, DeviceRadio, l.config.RadioRetry, l.radio.Open); err != nil {
		return l.startErr(ctx, err)
	}
	radioOpen = true

	if err = l.warmup(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	l.resume()
	l.logger.Info("fusion loop running", slog.Duration("interval", l.config.SampleInterval))

	ticker := time.NewTicker(l.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-l.events:
			if err = l.handleEvent(ev); err != nil {
				return err
			}

		case <-ticker.C:
			if err = l.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// startErr maps an open failure during Starting; cancellation is not fatal.
func (l *Loop) startErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// open calls open until it succeeds or the policy is exhausted
func (l *Loop) open(ctx context.Context, device Device, policy Policy, open func(context.Context) error) error {
	logger := l.logger.With(slog.String("device", string(device)))

	attempts, err := policy.retry(ctx, func() error {
		return open(ctx)
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn(fmt.Sprintf("error opening device: %s", err.Error()),
			slog.Int("attempt", attempt), slog.Int("attempts", policy.Attempts), slog.Duration("retry", next))
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return &FatalError{Device: device, Attempts: attempts, Err: err}
}

// warmup waits for the first trustworthy fix. Expiry is not an error.
func (l *Loop) warmup(ctx context.Context) error {
	if l.config.Warmup < 0 {
		return nil
	}

	l.logger.Info("waiting for a trustworthy gps fix", slog.Duration("warmup", l.config.Warmup))

	timer := time.NewTimer(l.config.Warmup)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			l.logger.Warn("no trustworthy gps fix after warmup; samples are skipped until one arrives")
			return nil

		case ev := <-l.events:
			if err := l.handleEvent(ev); err != nil {
				return err
			}

		case <-l.fixes.Ready():
			l.refreshFix()
			if l.fix != nil && l.fix.Trusted(*l.config.Criteria) {
				l.logger.Info("gps fix acquired",
					slog.String("quality", l.fix.Quality.String()),
					slog.Int("satellites", l.fix.Satellites),
					slog.Float64("hdop", l.fix.HDOP))
				return nil
			}
		}
	}
}

// tick reads one block, pairs it with the freshest fix and records it
func (l *Loop) tick(ctx context.Context) error {
	block, err := l.radio.ReadBlock(ctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil

		case errors.Is(err, driver.ErrTimeout):
			l.logger.Warn("radio read timed out", slog.String("device", string(DeviceRadio)))
			return nil

		default:
			if block, err = l.recoverRadio(ctx, err); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}

	sample := Sample{
		Seq:       block.Seq,
		Strength:  l.estimator.Estimate(block.Samples),
		Timestamp: block.Timestamp,
	}

	l.refreshFix()

	fix, err := l.pair(sample)
	if err != nil {
		l.skipped++
		level := slog.LevelDebug
		if errors.Is(err, driver.ErrStaleFix) {
			level = slog.LevelWarn
		}
		l.logger.Log(ctx, level, fmt.Sprintf("sample skipped: %s", err.Error()), slog.Uint64("seq", sample.Seq))
		return nil
	}

	rec := storage.Record{
		Timestamp:  sample.Timestamp,
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Altitude:   fix.Altitude,
		Quality:    fix.Quality,
		Satellites: fix.Satellites,
		Strength:   sample.Strength,
	}

	if l.last != nil {
		// keep the output timeline monotonic
		if rec.Timestamp.Before(l.last.Timestamp) {
			rec.Timestamp = l.last.Timestamp
		}

		if l.config.Deduplicate && rec.Latitude == l.last.Latitude && rec.Longitude == l.last.Longitude {
			l.skipped++
			l.logger.Debug("sample skipped: same position as previous record", slog.Uint64("seq", sample.Seq))
			return nil
		}
	}

	// a record is never cut short by cancellation
	if err = l.recorder.Append(context.WithoutCancel(ctx), rec); err != nil {
		return &FatalError{Device: DeviceStorage, Attempts: 1, Err: err}
	}

	l.last = &rec
	written := l.written.Add(1)

	l.logger.Debug("record written",
		slog.Uint64("seq", sample.Seq),
		slog.Float64("strength", rec.Strength),
		slog.Float64("latitude", rec.Latitude),
		slog.Float64("longitude", rec.Longitude))

	if l.announcer != nil && written%int64(l.config.AnnounceEvery) == 0 {
		if err = l.announcer.Announce(ctx, rec); err != nil {
			l.logger.Warn(fmt.Sprintf("error announcing record: %s", err.Error()))
		}
	}

	return nil
}

// refreshFix replaces the current fix with a newer one from the pump, if any
func (l *Loop) refreshFix() {
	if fix, ok := l.fixes.Take(); ok {
		l.fix = &fix
	}
}

// pair returns the fix to tag sample with, or the reason there is none
func (l *Loop) pair(sample Sample) (gps.Fix, error) {
	if l.fix == nil {
		return gps.Fix{}, fmt.Errorf("%w: no fix received yet", driver.ErrStaleFix)
	}

	fix := *l.fix
	if !fix.HasFix() {
		return fix, errNoFix
	}
	if !fix.Trusted(*l.config.Criteria) {
		return fix, fmt.Errorf("%w: %d satellites, hdop %.2f", errUntrustedFix, fix.Satellites, fix.HDOP)
	}

	age := fix.Age(sample.Timestamp).Abs()
	if age > l.config.StalenessBound {
		return fix, fmt.Errorf("%w: fix is %s away from the sample", driver.ErrStaleFix, age)
	}

	return fix, nil
}

// recoverRadio reopens the radio and returns the first block read from it
func (l *Loop) recoverRadio(ctx context.Context, cause error) (sdr.Block, error) {
	policy := l.config.RadioRetry
	logger := l.logger.With(slog.String("device", string(DeviceRadio)))

	l.setState(Recovering, DeviceRadio)
	logger.Warn(fmt.Sprintf("device lost: %s", cause.Error()))

	var block sdr.Block
	attempts, err := policy.retry(ctx, func() error {
		_ = l.radio.Close()

		if err := l.radio.Open(ctx); err != nil {
			return fmt.Errorf("reopening: %w", err)
		}

		var err error
		if block, err = l.radio.ReadBlock(ctx); err != nil {
			return fmt.Errorf("reading reopened device: %w", err)
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn(fmt.Sprintf("error recovering device: %s", err.Error()),
			slog.Int("attempt", attempt), slog.Duration("retry", next))
	})
	if err != nil {
		if ctx.Err() != nil {
			return sdr.Block{}, ctx.Err()
		}
		return sdr.Block{}, &FatalError{Device: DeviceRadio, Attempts: attempts, Err: err}
	}

	logger.Info("device recovered", slog.Int("attempts", attempts))
	l.resume()
	return block, nil
}

// resume leaves Recovering unless the GPS is still down
func (l *Loop) resume() {
	if l.gpsDown {
		l.setState(Recovering, DeviceGPS)
		return
	}
	l.setState(Running, DeviceNone)
}

// shutdown stops the pump and releases every resource
func (l *Loop) shutdown(pumpDone <-chan struct{}, gpsOpen, radioOpen bool) error {
	l.setState(Stopping, DeviceNone)

	if gpsOpen {
		select {
		case <-pumpDone:
		case <-time.After(l.config.GracePeriod):
			l.logger.Warn("gps pump did not stop within the grace period", slog.Duration("grace", l.config.GracePeriod))
		}
	}

	if radioOpen {
		if err := l.radio.Close(); err != nil {
			l.logger.Warn(fmt.Sprintf("error closing radio: %s", err.Error()))
		}
	}
	if err := l.gps.Close(); err != nil {
		l.logger.Warn(fmt.Sprintf("error closing gps: %s", err.Error()))
	}

	var err error
	if cErr := l.recorder.Close(); cErr != nil {
		err = &FatalError{Device: DeviceStorage, Attempts: 1, Err: cErr}
	}

	l.logger.Info("fusion loop stopped",
		slog.String("written", humanize.Comma(l.written.Load())),
		slog.String("skipped", humanize.Comma(l.skipped)))

	return err
}

func deviceOf(err error) Device {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal.Device
	}
	return DeviceNone
}
