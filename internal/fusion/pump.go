package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roman-kulish/kermit/internal/driver"
)

type eventKind int

const (
	eventLost eventKind = iota
	eventRecovered
	eventFatal
)

// event is reported by the GPS pump to the loop
type event struct {
	kind     eventKind
	attempts int
	err      error
}

// pumpGPS reads fixes into the slot until ctx is done. Device loss is
// recovered here so radio ticks keep going meanwhile.
func (l *Loop) pumpGPS(ctx context.Context) {
	logger := l.logger.With(slog.String("device", string(DeviceGPS)))

	for {
		fix, err := l.gps.ReadFix(ctx)

		var parseErr *driver.ParseError
		switch {
		case err == nil:
			l.fixes.Put(fix)

		case ctx.Err() != nil:
			return

		case errors.As(err, &parseErr):
			logger.Debug(fmt.Sprintf("skipping malformed sentence: %s", parseErr.Err), slog.String("line", parseErr.Line))

		case errors.Is(err, driver.ErrTimeout):
			logger.Debug("no fix within read timeout")

		default:
			if !l.send(ctx, event{kind: eventLost, err: err}) {
				return
			}
			if !l.recoverGPS(ctx) {
				return
			}
		}
	}
}

// recoverGPS reopens the GPS reader. It returns false when the pump must stop.
func (l *Loop) recoverGPS(ctx context.Context) bool {
	policy := l.config.GPSRetry
	logger := l.logger.With(slog.String("device", string(DeviceGPS)))

	attempts, err := policy.retry(ctx, func() error {
		_ = l.gps.Close()
		return l.gps.Open(ctx)
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn(fmt.Sprintf("error reopening device: %s", err.Error()),
			slog.Int("attempt", attempt), slog.Duration("retry", next))
	})
	if err == nil {
		return l.send(ctx, event{kind: eventRecovered, attempts: attempts})
	}
	if ctx.Err() != nil {
		return false
	}

	l.send(ctx, event{
		kind: eventFatal,
		err:  &FatalError{Device: DeviceGPS, Attempts: attempts, Err: err},
	})
	return false
}

func (l *Loop) send(ctx context.Context, ev event) bool {
	select {
	case l.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleEvent applies a pump event on the loop goroutine
func (l *Loop) handleEvent(ev event) error {
	logger := l.logger.With(slog.String("device", string(DeviceGPS)))

	switch ev.kind {
	case eventLost:
		l.gpsDown = true
		if l.State() != Starting {
			l.setState(Recovering, DeviceGPS)
		}
		logger.Warn(fmt.Sprintf("device lost: %s", ev.err.Error()))

	case eventRecovered:
		l.gpsDown = false
		logger.Info("device recovered", slog.Int("attempts", ev.attempts))
		if l.State() == Recovering {
			l.setState(Running, DeviceNone)
		}

	case eventFatal:
		return ev.err
	}

	return nil
}
