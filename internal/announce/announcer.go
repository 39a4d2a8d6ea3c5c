package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/kermit/internal/storage"
)

// Announcer is notified of every Nth written record. It must not block for long.
type Announcer interface {
	Announce(ctx context.Context, r storage.Record) error
}

// WithLogger sets the logger for the announcer
func WithLogger(logger *slog.Logger) func(a *LogAnnouncer) {
	return func(a *LogAnnouncer) {
		a.logger = logger.With(slog.String("announcer", "log"))
	}
}

// LogAnnouncer narrates records to the log
type LogAnnouncer struct {
	scale  Scale
	count  int
	logger *slog.Logger
}

// NewLogAnnouncer creates a log announcer with a discard logger
func NewLogAnnouncer(scale Scale, options ...func(a *LogAnnouncer)) *LogAnnouncer {
	a := LogAnnouncer{
		scale:  scale,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&a)
	}

	return &a
}

func (a *LogAnnouncer) Announce(_ context.Context, r storage.Record) error {
	a.count++

	a.logger.Info(a.scale.Unit(r.Strength),
		slog.String("strength", fmt.Sprintf("%.2f dB", r.Strength)),
		slog.String("position", fmt.Sprintf("%.6f,%.6f", r.Latitude, r.Longitude)),
		slog.String("announcement", humanize.Ordinal(a.count)),
	)
	return nil
}

// Multi fans a record out to every announcer and joins their errors
type Multi []Announcer

func (m Multi) Announce(ctx context.Context, r storage.Record) error {
	var errs []error
	for _, a := range m {
		if err := a.Announce(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
