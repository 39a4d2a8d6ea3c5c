package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/roman-kulish/kermit/internal/driver"
	"github.com/roman-kulish/kermit/internal/gps"
)

// Header is the first row of every CSV file
var Header = []string{
	"timestamp",
	"latitude",
	"longitude",
	"altitude",
	"fix_quality",
	"satellites",
	"signal_strength_db",
}

var (
	// ErrHeaderMismatch is returned when an existing file was not written by CSVRecorder
	ErrHeaderMismatch = errors.New("unexpected CSV header")
	// ErrMalformedRow marks a row ReadCSV skipped
	ErrMalformedRow = errors.New("malformed row")
)

const tailChunkSize = 4096

// CSVRecorder appends records to a CSV file, one fsync per record
type CSVRecorder struct {
	path string

	mu   sync.Mutex
	file *os.File
	buf  bytes.Buffer
	w    *csv.Writer

	closeOnce sync.Once
	closeErr  error
}

// OpenCSV opens path for appending, creating it with a header when it is
// empty. An existing file is continued.
func OpenCSV(path string) (*CSVRecorder, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, driver.NewPersistenceError(path, err)
	}

	rec := CSVRecorder{path: path, file: file}
	rec.w = csv.NewWriter(&rec.buf)

	if err = rec.prepare(); err != nil {
		_ = file.Close()
		return nil, driver.NewPersistenceError(path, err)
	}

	return &rec, nil
}

// prepare writes the header to an empty file or checks the header of an
// existing one. A torn last row is dropped first.
func (c *CSVRecorder) prepare() error {
	info, err := c.file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	size := info.Size()
	if size > 0 {
		if size, err = c.repairTail(size); err != nil {
			return err
		}
	}

	if size == 0 {
		return c.writeRow(Header)
	}

	r := csv.NewReader(bufio.NewReader(io.NewSectionReader(c.file, 0, size)))
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !slices.Equal(header, Header) {
		return fmt.Errorf("%w: %v", ErrHeaderMismatch, header)
	}
	return nil
}

// repairTail truncates the file after its last newline when the final row
// was cut short, and returns the resulting size.
func (c *CSVRecorder) repairTail(size int64) (int64, error) {
	last := make([]byte, 1)
	if _, err := c.file.ReadAt(last, size-1); err != nil {
		return 0, fmt.Errorf("reading tail: %w", err)
	}
	if last[0] == '\n' {
		return size, nil
	}

	end, err := lastNewline(c.file, size)
	if err != nil {
		return 0, fmt.Errorf("reading tail: %w", err)
	}
	if err = c.file.Truncate(end); err != nil {
		return 0, fmt.Errorf("truncating torn row: %w", err)
	}
	if err = c.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	return end, nil
}

// lastNewline returns the offset just past the last '\n' within the first
// size bytes of r, or 0 when there is none.
func lastNewline(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, tailChunkSize)
	for end := size; end > 0; {
		start := max(end-tailChunkSize, 0)
		chunk := buf[:end-start]
		if _, err := r.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func (c *CSVRecorder) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return driver.NewPersistenceError(c.path, os.ErrClosed)
	}

	if err := c.writeRow(toRow(r)); err != nil {
		return driver.NewPersistenceError(c.path, err)
	}
	return nil
}

// writeRow writes a row with a single write call and syncs the file
func (c *CSVRecorder) writeRow(row []string) error {
	c.buf.Reset()
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}

	if _, err := c.file.Write(c.buf.Bytes()); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func (c *CSVRecorder) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.file.Close(); err != nil {
			c.closeErr = driver.NewPersistenceError(c.path, err)
		}
		c.file = nil
	})

	return c.closeErr
}

// ReadCSV parses a stream written by CSVRecorder. Malformed rows are skipped:
// every readable record is returned, along with an error wrapping
// ErrMalformedRow for each skipped row.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if !slices.Equal(header, Header) {
		return nil, fmt.Errorf("%w: %v", ErrHeaderMismatch, header)
	}

	var records []Record
	var skipped []error
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, errors.Join(skipped...)
		}

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			skipped = append(skipped, fmt.Errorf("%w: %w", ErrMalformedRow, err))
			continue
		}
		if err != nil {
			return records, err
		}

		line, _ := cr.FieldPos(0)
		if len(row) != len(Header) {
			skipped = append(skipped, fmt.Errorf("line %d: %w: %d fields", line, ErrMalformedRow, len(row)))
			continue
		}

		rec, err := fromRow(row)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("line %d: %w: %w", line, ErrMalformedRow, err))
			continue
		}
		records = append(records, rec)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func toRow(r Record) []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		formatFloat(r.Latitude),
		formatFloat(r.Longitude),
		formatFloat(r.Altitude),
		strconv.Itoa(int(r.Quality)),
		strconv.Itoa(r.Satellites),
		formatFloat(r.Strength),
	}
}

func fromRow(row []string) (r Record, err error) {
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, row[0]); err != nil {
		return r, fmt.Errorf("invalid timestamp: %w", err)
	}

	floats := []*float64{&r.Latitude, &r.Longitude, &r.Altitude}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(row[i+1], 64); err != nil {
			return r, fmt.Errorf("invalid %s: %w", Header[i+1], err)
		}
	}

	quality, err := strconv.Atoi(row[4])
	if err != nil {
		return r, fmt.Errorf("invalid fix quality: %w", err)
	}
	r.Quality = gps.Quality(quality)

	if r.Satellites, err = strconv.Atoi(row[5]); err != nil {
		return r, fmt.Errorf("invalid satellites: %w", err)
	}

	if r.Strength, err = strconv.ParseFloat(row[6], 64); err != nil {
		return r, fmt.Errorf("invalid signal strength: %w", err)
	}

	return r, nil
}
