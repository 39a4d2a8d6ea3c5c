package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/roman-kulish/kermit/internal/driver"
)

const (
	Device = "GPS"

	DefaultBaudRate     = 9600
	DefaultReadTimeout  = 2 * time.Second
	DefaultProbeTimeout = 3 * time.Second

	lineBufferSize = 64
)

// DefaultCandidates are the device paths scanned when no device path is configured
var DefaultCandidates = []string{
	"/dev/serial/by-id/*",
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/serial0",
}

// Config configures the GPS reader
type Config struct {
	DevicePath   string        // fixed device path; disables discovery when set
	Candidates   []string      // glob patterns scanned during discovery
	BaudRate     int           // serial baud rate
	ReadTimeout  time.Duration // maximum time ReadFix waits for a fix
	ProbeTimeout time.Duration // maximum time a candidate gets to produce an NMEA sentence
}

func (c *Config) Validate() error {
	if c.BaudRate < 0 {
		return fmt.Errorf("gps.Config: baud rate must not be negative: %d", c.BaudRate)
	}
	if c.ReadTimeout < 0 || c.ProbeTimeout < 0 {
		return fmt.Errorf("gps.Config: timeouts must not be negative")
	}
	for _, pattern := range c.Candidates {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("gps.Config: invalid candidate pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// PortOpener opens a serial device
type PortOpener func(path string, baudRate int) (io.ReadWriteCloser, error)

// WithLogger sets the logger for the reader
func WithLogger(logger *slog.Logger) func(r *Reader) {
	return func(r *Reader) {
		r.logger = logger.With(slog.String("device", Device))
	}
}

// WithPortOpener replaces the serial port opener
func WithPortOpener(open PortOpener) func(r *Reader) {
	return func(r *Reader) {
		r.openPort = open
	}
}

// WithNoFix makes ReadFix surface fixes with NoFix quality
func WithNoFix() func(r *Reader) {
	return func(r *Reader) {
		r.surfaceNoFix = true
	}
}

// WithClock sets the clock used to stamp received fixes
func WithClock(now func() time.Time) func(r *Reader) {
	return func(r *Reader) {
		r.now = now
	}
}

// Reader owns the serial connection to a GPS receiver and turns its NMEA
// stream into position fixes.
type Reader struct {
	config       Config
	openPort     PortOpener
	surfaceNoFix bool
	now          func() time.Time
	logger       *slog.Logger

	mu   sync.Mutex
	sess *session
}

// session is a single open connection and the goroutine pumping its lines
type session struct {
	path  string
	port  io.ReadWriteCloser
	first string      // sentence accepted by the probe, replayed by the first ReadFix
	lines chan string // closed by the pump once the port stops yielding lines
	err   error       // why the pump stopped, valid once lines is closed
	done  chan struct{}
}

// NewReader creates a GPS reader with a discard logger
func NewReader(config Config, options ...func(r *Reader)) (*Reader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.BaudRate == 0 {
		config.BaudRate = DefaultBaudRate
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if len(config.Candidates) == 0 {
		config.Candidates = DefaultCandidates
	}

	r := Reader{
		config:   config,
		openPort: openSerial,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&r)
	}

	return &r, nil
}

// Open scans the candidate device paths and keeps the first one that speaks NMEA.
func (r *Reader) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		return fmt.Errorf("gps is already open on %s", r.sess.path)
	}

	candidates := r.candidates()
	if len(candidates) == 0 {
		return driver.NotFound(fmt.Errorf("no candidate serial devices match %v", r.config.Candidates))
	}

	var errs []error
	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err := r.probe(ctx, path)
		if err != nil {
			r.logger.Debug(fmt.Sprintf("rejected candidate: %s", err.Error()), slog.String("path", path))
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		r.sess = sess
		r.logger.Info("gps device opened", slog.String("path", path), slog.Int("baudRate", r.config.BaudRate))
		return nil
	}

	return driver.NotFound(fmt.Errorf("scanned %d candidate(s): %w", len(candidates), errors.Join(errs...)))
}

// ReadFix blocks until a checksum-valid GGA sentence with a fix is parsed or
// the read timeout elapses. Malformed lines are reported as *driver.ParseError
// and the next call continues with the following line. Lines read before the
// port failed are returned before the failure is reported.
func (r *Reader) ReadFix(ctx context.Context) (Fix, error) {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()

	if sess == nil {
		return Fix{}, driver.Lost(errors.New("gps is not open"))
	}

	if line := sess.takeFirst(); line != "" {
		if fix, ok, err := r.parse(line); err == nil && ok {
			return fix, nil
		}
	}

	timer := time.NewTimer(r.config.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()

		case <-timer.C:
			return Fix{}, driver.ErrTimeout

		case line, ok := <-sess.lines:
			if !ok {
				return Fix{}, driver.Lost(fmt.Errorf("reading %s: %w", sess.path, sess.err))
			}

			fix, ok, err := r.parse(line)
			if err != nil {
				return Fix{}, driver.NewParseError(line, err)
			}
			if ok {
				return fix, nil
			}
		}
	}
}

// parse reports whether line carries a fix that should be surfaced
func (r *Reader) parse(line string) (Fix, bool, error) {
	fix, ok, err := ParseGGA(line, r.now())
	if err != nil || !ok {
		return Fix{}, false, err
	}
	if !fix.HasFix() && !r.surfaceNoFix {
		return Fix{}, false, nil
	}
	return fix, true, nil
}

// Close releases the serial port. It is safe to call Close multiple times.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess == nil {
		return nil
	}

	err := r.sess.close()
	r.sess = nil
	r.logger.Info("gps device closed")
	return err
}

// Path returns the device path of the open connection
func (r *Reader) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess == nil {
		return ""
	}
	return r.sess.path
}

// candidates expands the configured patterns, trying devices that name
// themselves as GPS receivers first.
func (r *Reader) candidates() []string {
	if r.config.DevicePath != "" {
		return []string{r.config.DevicePath}
	}

	var paths []string
	for _, pattern := range r.config.Candidates {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !slices.Contains(paths, m) {
				paths = append(paths, m)
			}
		}
	}

	slices.SortStableFunc(paths, func(a, b string) int {
		ag, bg := looksLikeGPS(a), looksLikeGPS(b)
		switch {
		case ag && !bg:
			return -1
		case bg && !ag:
			return 1
		}
		return 0
	})

	return paths
}

func looksLikeGPS(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.Contains(base, "gps") || strings.Contains(base, "gnss") || strings.Contains(base, "u-blox")
}

// probe opens path and waits for a single parseable NMEA sentence
func (r *Reader) probe(ctx context.Context, path string) (*session, error) {
	port, err := r.openPort(path, r.config.BaudRate)
	if err != nil {
		return nil, err
	}

	sess := newSession(path, port)

	timer := time.NewTimer(r.config.ProbeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = sess.close()
			return nil, ctx.Err()

		case <-timer.C:
			_ = sess.close()
			return nil, fmt.Errorf("no NMEA sentence within %s", r.config.ProbeTimeout)

		case line, ok := <-sess.lines:
			if !ok {
				_ = sess.close()
				return nil, sess.err
			}
			if _, err := nmea.Parse(line); err == nil {
				sess.first = line
				return sess, nil
			}
		}
	}
}

func newSession(path string, port io.ReadWriteCloser) *session {
	s := session{
		path:  path,
		port:  port,
		lines: make(chan string, lineBufferSize),
		done:  make(chan struct{}),
	}

	go s.pump()

	return &s
}

// pump reads lines from the port until it fails or the session is closed
func (s *session) pump() {
	defer close(s.lines)

	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		select {
		case s.lines <- line:
		case <-s.done:
			s.err = io.ErrClosedPipe
			return
		}
	}

	s.err = scanner.Err()
	if s.err == nil {
		s.err = io.EOF
	}
}

func (s *session) takeFirst() string {
	line := s.first
	s.first = ""
	return line
}

func (s *session) close() error {
	close(s.done)
	return s.port.Close()
}

func openSerial(path string, baudRate int) (io.ReadWriteCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:        path,
		BaudRate:        uint(baudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
}
