package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kr/pty"
)

// ErrNoBanner is returned when rtl_tcp exits or stalls before announcing it listens
var ErrNoBanner = errors.New("rtl_tcp did not report listening")

const bannerText = "listening"

// server is a locally spawned rtl_tcp process attached to a pty so its
// output is line-buffered.
type server struct {
	cmd  *exec.Cmd
	fpty *os.File
	done chan struct{}
	wg   sync.WaitGroup

	logger *slog.Logger
}

// startServer spawns rtl_tcp and waits until it reports listening
func startServer(ctx context.Context, binPath string, config Config, logger *slog.Logger) (*server, error) {
	args, err := config.Args()
	if err != nil {
		return nil, fmt.Errorf("error creating args: %w", err)
	}

	cmd := exec.Command(binPath, args...)
	fpty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("error starting command: %w", err)
	}

	s := server{
		cmd:    cmd,
		fpty:   fpty,
		done:   make(chan struct{}),
		logger: logger,
	}

	wait := config.withDefaults().BannerWait
	timer := time.NewTimer(wait)
	defer timer.Stop()

	banner := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleOutput(fpty, banner)
	}()

	select {
	case err = <-banner:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("%w within %s", ErrNoBanner, wait)
	}

	if err != nil {
		_ = s.stop()
		return nil, err
	}

	return &s, nil
}

// handleOutput logs the server output and signals once the banner appears.
func (s *server) handleOutput(r io.Reader, banner chan<- error) {
	seen := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s.logger.Debug(fmt.Sprintf("%s >> %s", Runtime, line))

		if !seen && strings.Contains(strings.ToLower(line), bannerText) {
			seen = true
			banner <- nil
		}
	}

	if !seen {
		err := scanner.Err()
		// a closed pty reports EIO once the child exits
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) || errors.Is(err, syscall.EIO) {
			err = ErrNoBanner
		}
		banner <- err
	}
}

// stop terminates the server and reaps the process
func (s *server) stop() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
	}

	err := s.cmd.Wait()
	_ = s.fpty.Close()
	s.wg.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil // interrupted
	}
	return err
}
