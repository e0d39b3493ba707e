// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/nishisan-dev/botwave/internal/config"
)

// RunDaemon dials the controller and serves the session until ctx is
// canceled, reconnecting with exponential backoff on any disconnect
// (initial/max delay from cfg.Reconnect).
func RunDaemon(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Storage.MediaDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Storage.TempDir, 0o755); err != nil {
		return err
	}

	modulator, err := NewModulator(cfg.Modulator.Device, logger)
	if err != nil {
		return err
	}

	delay := cfg.Reconnect.InitialDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sess := NewSession(cfg, modulator, logger)
		logger.Info("agent: connecting", "server", cfg.Server.Address)

		err := sess.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("agent: session ended", "err", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.Reconnect.MaxDelay {
			delay = cfg.Reconnect.MaxDelay
		}
		if err == nil {
			delay = cfg.Reconnect.InitialDelay
		}
	}
}
