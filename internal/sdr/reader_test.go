package sdr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roman-kulish/kermit/internal/driver"
)

// step is a single scripted Read result
type step struct {
	data []byte
	err  error
}

type fakeHandle struct {
	mu     sync.Mutex
	steps  []step
	tuned  []Config
	closed bool
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.steps) == 0 {
		return 0, io.EOF
	}

	s := &h.steps[0]
	if s.err != nil {
		h.steps = h.steps[1:]
		return 0, s.err
	}

	n := copy(p, s.data)
	s.data = s.data[n:]
	if len(s.data) == 0 {
		h.steps = h.steps[1:]
	}
	return n, nil
}

func (h *fakeHandle) SetReadDeadline(time.Time) error { return nil }

func (h *fakeHandle) Tune(config Config) error {
	h.tuned = append(h.tuned, config)
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReader(t *testing.T, handle Handle, options ...func(r *Reader)) *Reader {
	t.Helper()

	options = append([]func(r *Reader){
		WithDialer(func(context.Context, string) (Handle, error) { return handle, nil }),
	}, options...)

	r, err := NewReader(Config{BlockSize: BlockSizeMin}, options...)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	if err = r.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	return r
}

func constantBytes(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestReader_ReadBlock(t *testing.T) {
	size := 2 * BlockSizeMin
	handle := &fakeHandle{steps: []step{
		{data: constantBytes(size, 255)},
		{data: constantBytes(size, 0)},
	}}

	stamp := time.Date(2026, 3, 15, 2, 27, 45, 100_000_000, time.UTC)
	r := newTestReader(t, handle, WithClock(func() time.Time { return stamp }))

	if len(handle.tuned) != 1 || handle.tuned[0].Frequency != DefaultFrequency {
		t.Fatalf("Expected a single tune at the default frequency, got %+v", handle.tuned)
	}

	first, err := r.ReadBlock(context.Background())
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if len(first.Samples) != BlockSizeMin {
		t.Fatalf("Expected %d samples, got %d", BlockSizeMin, len(first.Samples))
	}
	if first.Samples[0] != complex(1, 1) {
		t.Errorf("Expected full-scale positive sample, got %v", first.Samples[0])
	}
	if !first.Timestamp.Equal(stamp) {
		t.Errorf("Expected timestamp %s, got %s", stamp, first.Timestamp)
	}

	second, err := r.ReadBlock(context.Background())
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}
	if second.Samples[0] != complex(-1, -1) {
		t.Errorf("Expected full-scale negative sample, got %v", second.Samples[0])
	}
	if second.Seq != first.Seq+1 {
		t.Errorf("Expected consecutive sequence numbers, got %d and %d", first.Seq, second.Seq)
	}
}

func TestReader_TimeoutKeepsPartialBlock(t *testing.T) {
	size := 2 * BlockSizeMin
	handle := &fakeHandle{steps: []step{
		{data: constantBytes(size/2, 255)},
		{err: os.ErrDeadlineExceeded},
		{data: constantBytes(size/2, 0)},
	}}
	r := newTestReader(t, handle)

	if _, err := r.ReadBlock(context.Background()); !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	block, err := r.ReadBlock(context.Background())
	if err != nil {
		t.Fatalf("ReadBlock failed: %v", err)
	}

	// the first half came before the timeout
	if block.Samples[0] != complex(1, 1) || block.Samples[BlockSizeMin-1] != complex(-1, -1) {
		t.Errorf("Expected the block to be completed across the timeout, got %v ... %v",
			block.Samples[0], block.Samples[BlockSizeMin-1])
	}
}

func TestReader_DeviceLost(t *testing.T) {
	handle := &fakeHandle{steps: []step{{err: errors.New("connection reset by peer")}}}
	r := newTestReader(t, handle)

	if _, err := r.ReadBlock(context.Background()); !errors.Is(err, driver.ErrDeviceLost) {
		t.Fatalf("Expected ErrDeviceLost, got %v", err)
	}
}

func TestReader_SequenceSurvivesReconnect(t *testing.T) {
	size := 2 * BlockSizeMin
	handles := []*fakeHandle{
		{steps: []step{{data: constantBytes(size, 128)}}},
		{steps: []step{{data: constantBytes(size, 128)}}},
	}

	var dials int
	r, err := NewReader(Config{BlockSize: BlockSizeMin}, WithDialer(func(context.Context, string) (Handle, error) {
		h := handles[dials]
		dials++
		return h, nil
	}))
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	var seqs []uint64
	for range handles {
		if err = r.Open(context.Background()); err != nil {
			t.Fatalf("Failed to open reader: %v", err)
		}
		block, err := r.ReadBlock(context.Background())
		if err != nil {
			t.Fatalf("ReadBlock failed: %v", err)
		}
		seqs = append(seqs, block.Seq)
		if err = r.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	if seqs[1] <= seqs[0] {
		t.Errorf("Expected sequence to keep increasing across reconnects, got %v", seqs)
	}
	if !handles[0].closed {
		t.Error("Expected the first handle to be closed")
	}
}

func TestReader_OpenNotFound(t *testing.T) {
	var dials int
	r, err := NewReader(Config{DialAttempts: 3}, WithDialer(func(context.Context, string) (Handle, error) {
		dials++
		return nil, errors.New("connection refused")
	}))
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	if err = r.Open(context.Background()); !errors.Is(err, driver.ErrDeviceNotFound) {
		t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
	}
	if dials != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", dials)
	}
}

func TestReader_ReadBlockWhenClosed(t *testing.T) {
	r, err := NewReader(Config{})
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}

	if _, err = r.ReadBlock(context.Background()); !errors.Is(err, driver.ErrDeviceLost) {
		t.Fatalf("Expected ErrDeviceLost, got %v", err)
	}
	if err = r.Close(); err != nil {
		t.Errorf("Close on a closed reader should not fail: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "defaults", config: Config{}},
		{name: "valid", config: Config{Address: "localhost:1234", Frequency: 433_920_000, SampleRate: 1_024_000, BlockSize: 4096, Gain: 28}},
		{name: "block size not power of two", config: Config{BlockSize: 1000}, wantErr: "power of two"},
		{name: "block size too small", config: Config{BlockSize: 128}, wantErr: "power of two"},
		{name: "block size too large", config: Config{BlockSize: 1 << 21}, wantErr: "power of two"},
		{name: "sample rate in gap", config: Config{SampleRate: 500_000}, wantErr: "sample rate"},
		{name: "frequency out of range", config: Config{Frequency: 10_000_000}, wantErr: "frequency"},
		{name: "bad address", config: Config{Address: "localhost"}, wantErr: "address"},
		{name: "negative gain", config: Config{Gain: -1}, wantErr: "gain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_Args(t *testing.T) {
	config := Config{Address: "0.0.0.0:1235", DeviceIndex: 1, Gain: 19.7, PPMError: -2}

	args, err := config.Args()
	if err != nil {
		t.Fatalf("Args failed: %v", err)
	}

	expected := "-a 0.0.0.0 -p 1235 -d 1 -f 146520000 -s 2048000 -g 19.7 -P -2"
	if got := strings.Join(args, " "); got != expected {
		t.Errorf("Expected args %q, got %q", expected, got)
	}
}

func TestHandleOutput_Banner(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr error
	}{
		{
			name:   "listening",
			output: "Found 1 device(s):\r\n  0:  Realtek, RTL2838UHIDIR, SN: 00000001\r\nlistening...\r\n",
		},
		{
			name:    "exits early",
			output:  "No supported devices found.\r\n",
			wantErr: ErrNoBanner,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := server{logger: newTestLogger()}
			banner := make(chan error, 1)

			s.handleOutput(strings.NewReader(tt.output), banner)

			if err := <-banner; !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConvertIQ(t *testing.T) {
	samples := convertIQ([]byte{255, 0, 0, 255})
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}
	if samples[0] != complex(1, -1) || samples[1] != complex(-1, 1) {
		t.Errorf("Unexpected conversion: %v", samples)
	}
}
