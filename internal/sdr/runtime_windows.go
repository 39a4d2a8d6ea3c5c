//go:build windows

package sdr

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindRuntime looks for the runtime binary in bin/*/windows/x64 next to the
// executable and under the working directory.
func FindRuntime(runtime string) (string, error) {
	var lookup []string

	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}

	lookup = append(lookup, filepath.Dir(exePath))

	workDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}

	lookup = append(lookup, workDir)

	for _, exeDir := range lookup {
		matches, err := filepath.Glob(filepath.Join(exeDir, "bin", "*", "windows", "x64", fmt.Sprintf("%s.exe", runtime)))
		if err != nil || len(matches) == 0 {
			continue // continue to next directory
		}

		for _, binPath := range matches {
			if info, err := os.Stat(binPath); err == nil && !info.IsDir() {
				return binPath, nil
			}
		}
	}

	return "", fmt.Errorf("failed to find binary '%s' in %v", runtime, lookup)
}
