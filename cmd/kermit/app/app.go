package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/kermit/internal/announce"
	"github.com/roman-kulish/kermit/internal/fusion"
	"github.com/roman-kulish/kermit/internal/gps"
	"github.com/roman-kulish/kermit/internal/sdr"
	"github.com/roman-kulish/kermit/internal/spectrum"
	"github.com/roman-kulish/kermit/internal/storage"
)

const mqttDisconnectQuiesce = 250 // ms

// Run collects geotagged signal strength records until ctx is cancelled or
// a device fails for good.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	gpsReader, err := gps.NewReader(config.GPS.gpsConfig(), gps.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create gps reader: %w", err)
	}

	radioOptions := []func(r *sdr.Reader){sdr.WithLogger(logger)}
	if config.Radio.Runtime != "" {
		radioOptions = append(radioOptions, sdr.WithRuntime(config.Radio.Runtime))
	}
	radio, err := sdr.NewReader(config.Radio.sdrConfig(), radioOptions...)
	if err != nil {
		return fmt.Errorf("failed to create radio reader: %w", err)
	}

	estimator, err := spectrum.NewEstimator(config.Spectrum)
	if err != nil {
		return fmt.Errorf("failed to create estimator: %w", err)
	}

	recorder, err := createRecorder(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	announcer, closeAnnouncer, err := createAnnouncer(config, logger)
	if err != nil {
		_ = recorder.Close()
		return fmt.Errorf("failed to create announcer: %w", err)
	}
	defer closeAnnouncer()

	options := []func(l *fusion.Loop){fusion.WithLogger(logger)}
	if announcer != nil {
		options = append(options, fusion.WithAnnouncer(announcer))
	}

	loop, err := fusion.NewLoop(config.fusionConfig(), gpsReader, radio, estimator, recorder, options...)
	if err != nil {
		_ = recorder.Close()
		return fmt.Errorf("failed to create fusion loop: %w", err)
	}

	logger.Info("collecting",
		slog.String("frequency", humanize.SIWithDigits(float64(radio.Config().Frequency), 3, "Hz")),
		slog.String("output", config.Storage.File()),
		slog.String("format", string(config.Storage.Format)))

	return loop.Run(ctx)
}

func createRecorder(ctx context.Context, config *Config) (storage.Recorder, error) {
	path := config.Storage.File()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory '%s': %w", dir, err)
		}
	}

	switch config.Storage.Format {
	case FormatCSV:
		return storage.OpenCSV(path)

	case FormatSQLite:
		return storage.NewSqliteRecorder(ctx, path, config)

	default:
		return nil, fmt.Errorf("unknown storage format '%s'", config.Storage.Format)
	}
}

// createAnnouncer returns nil when announcements are disabled. The returned
// func releases the broker connection, if any.
func createAnnouncer(config *Config, logger *slog.Logger) (announce.Announcer, func(), error) {
	scale := announce.ScaleFor(float64(config.Radio.Frequency))

	var announcers announce.Multi
	if config.Announce.Log {
		announcers = append(announcers, announce.NewLogAnnouncer(scale, announce.WithLogger(logger)))
	}

	closer := func() {}
	if config.Announce.MQTT != nil {
		client, err := announce.ConnectMQTT(*config.Announce.MQTT)
		if err != nil {
			return nil, nil, err
		}
		closer = func() { client.Disconnect(mqttDisconnectQuiesce) }

		announcers = append(announcers, announce.NewMQTTAnnouncer(client, scale, *config.Announce.MQTT))
		logger.Info("announcing to mqtt broker", slog.String("broker", config.Announce.MQTT.Broker))
	}

	switch len(announcers) {
	case 0:
		return nil, closer, nil
	case 1:
		return announcers[0], closer, nil
	default:
		return announcers, closer, nil
	}
}
