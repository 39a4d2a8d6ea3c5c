package sdr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/kermit/internal/driver"
)

// Block is a fixed-size run of complex baseband samples
type Block struct {
	Seq       uint64      // monotonic per reader, never reset across reconnects
	Samples   []complex64 // normalised to [-1, 1]
	Timestamp time.Time   // time the last byte of the block was read
}

// WithLogger sets the logger for the reader
func WithLogger(logger *slog.Logger) func(r *Reader) {
	return func(r *Reader) {
		r.logger = logger.With(slog.String("device", Device))
	}
}

// WithDialer replaces the rtl_tcp dialer
func WithDialer(dial Dialer) func(r *Reader) {
	return func(r *Reader) {
		r.dial = dial
	}
}

// WithClock sets the clock used to stamp blocks
func WithClock(now func() time.Time) func(r *Reader) {
	return func(r *Reader) {
		r.now = now
	}
}

// WithRuntime sets the rtl_tcp binary used when spawning is enabled
func WithRuntime(binPath string) func(r *Reader) {
	return func(r *Reader) {
		r.binPath = binPath
	}
}

// Reader owns the SDR connection and slices its I/Q stream into blocks.
// It is not safe for concurrent reads.
type Reader struct {
	config  Config
	dial    Dialer
	binPath string
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	handle Handle
	server *server

	seq    uint64
	buf    []byte
	filled int // bytes of a partial block carried over a timeout
}

// NewReader creates a radio reader with a discard logger
func NewReader(config Config, options ...func(r *Reader)) (*Reader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config = config.withDefaults()

	r := Reader{
		config: config,
		dial:   dialRTLTCP,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		buf:    make([]byte, 2*config.BlockSize),
	}

	for _, option := range options {
		option(&r)
	}

	return &r, nil
}

// Config returns the effective configuration
func (r *Reader) Config() Config {
	return r.config
}

// Open spawns rtl_tcp if configured, connects to it and tunes the dongle.
func (r *Reader) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle != nil {
		return fmt.Errorf("radio is already open on %s", r.config.Address)
	}

	if r.config.Spawn {
		if err := r.spawn(ctx); err != nil {
			return driver.NotFound(fmt.Errorf("spawning %s: %w", Runtime, err))
		}
	}

	handle, err := r.connect(ctx)
	if err != nil {
		r.stopServer()
		return driver.NotFound(fmt.Errorf("connecting to %s: %w", r.config.Address, err))
	}

	if err = handle.Tune(r.config); err != nil {
		_ = handle.Close()
		r.stopServer()
		return driver.NotFound(fmt.Errorf("tuning: %w", err))
	}

	r.handle = handle
	r.filled = 0

	r.logger.Info("radio opened",
		slog.String("address", r.config.Address),
		slog.String("frequency", humanize.SIWithDigits(float64(r.config.Frequency), 3, "Hz")),
		slog.String("sampleRate", humanize.SIWithDigits(float64(r.config.SampleRate), 3, "S/s")),
		slog.Int("blockSize", r.config.BlockSize),
	)

	return nil
}

// ReadBlock reads exactly BlockSize complex samples. A timeout keeps the
// bytes read so far and the next call completes the same block.
func (r *Reader) ReadBlock(ctx context.Context) (Block, error) {
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()

	if handle == nil {
		return Block{}, driver.Lost(errors.New("radio is not open"))
	}

	if err := handle.SetReadDeadline(r.now().Add(r.config.ReadTimeout)); err != nil {
		return Block{}, driver.Lost(fmt.Errorf("setting read deadline: %w", err))
	}

	// unblock the read on cancellation
	stop := context.AfterFunc(ctx, func() {
		_ = handle.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := io.ReadFull(handle, r.buf[r.filled:])
	r.filled += n

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Block{}, ctxErr
		}
		if isTimeout(err) {
			return Block{}, driver.ErrTimeout
		}
		r.filled = 0
		return Block{}, driver.Lost(fmt.Errorf("reading %s: %w", r.config.Address, err))
	}

	r.filled = 0
	r.seq++

	return Block{
		Seq:       r.seq,
		Samples:   convertIQ(r.buf),
		Timestamp: r.now(),
	}, nil
}

// Close closes the connection and stops a spawned server. It is safe to call
// Close multiple times.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.handle != nil {
		if err := r.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
		r.handle = nil
		r.logger.Info("radio closed")
	}

	if r.server != nil {
		if err := r.server.stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", Runtime, err))
		}
		r.server = nil
	}

	return errors.Join(errs...)
}

func (r *Reader) spawn(ctx context.Context) error {
	if r.server != nil {
		return nil // survives reconnects
	}

	binPath := r.binPath
	if binPath == "" {
		var err error
		if binPath, err = FindRuntime(Runtime); err != nil {
			return fmt.Errorf("error finding runtime: %w", err)
		}
	}

	s, err := startServer(ctx, binPath, r.config, r.logger)
	if err != nil {
		return err
	}

	r.server = s
	r.logger.Info(fmt.Sprintf("%s started", Runtime), slog.String("path", binPath))
	return nil
}

func (r *Reader) stopServer() {
	if r.server == nil {
		return
	}
	if err := r.server.stop(); err != nil {
		r.logger.Warn(fmt.Sprintf("error stopping %s: %s", Runtime, err.Error()))
	}
	r.server = nil
}

// connect dials the server a bounded number of times; a freshly spawned
// rtl_tcp may need a moment before it accepts connections.
func (r *Reader) connect(ctx context.Context) (Handle, error) {
	var errs []error
	for attempt := 1; attempt <= r.config.DialAttempts; attempt++ {
		handle, err := r.dial(ctx, r.config.Address)
		if err == nil {
			return handle, nil
		}

		r.logger.Debug(fmt.Sprintf("dial failed: %s", err.Error()), slog.Int("attempt", attempt))
		errs = append(errs, err)

		if attempt == r.config.DialAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return nil, errors.Join(errs...)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
