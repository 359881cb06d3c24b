// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/config"
	"github.com/ManuGH/voiceflow/internal/log"
)

// PerformStartupChecks validates the environment before the daemon binds
// its listener: writable data directory, readable allocator limits file,
// readable keys file when configured.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkFileReadable(cfg.AllocatorConfig); err != nil {
		return fmt.Errorf("allocator config check failed (%s): %w", cfg.AllocatorConfig, err)
	}
	logger.Info().Str("path", cfg.AllocatorConfig).Msg("allocator config is readable")

	if cfg.Keys.File != "" {
		if err := checkFileReadable(cfg.Keys.File); err != nil {
			return fmt.Errorf("keys file check failed (%s): %w", cfg.Keys.File, err)
		}
		logger.Info().Str("path", cfg.Keys.File).Msg("keys file is readable")
	}

	if cfg.Guardian.AdminToken == "" {
		logger.Warn().Msg("no admin token configured; major guardian actions cannot be approved")
	}

	logger.Info().Msg("All startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0o750); err != nil {
				return fmt.Errorf("cannot create data directory %s: %w", path, err)
			}
			logger.Info().Str("path", path).Msg("data directory created")
		} else {
			return err
		}
	} else if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return err
	}
	return f.Close()
}
