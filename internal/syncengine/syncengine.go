// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package syncengine implements the three-mode file synchronization
// algorithm: agent → local, local → agents, agent → agents.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/botwave/internal/protocol"
	"github.com/nishisan-dev/botwave/internal/registry"
	"github.com/nishisan-dev/botwave/internal/security"
	"github.com/nishisan-dev/botwave/internal/transfer"
)

// Sender delivers a frame to one agent. Implemented by the controller's
// session layer; transfer tokens come from the Engine's own transfer.Store.
type Sender interface {
	SendTo(agentID string, f protocol.Frame) error
}

// Engine runs sync operations against the live fleet.
type Engine struct {
	sender Sender
	pending *registry.PendingTable
	tokens *transfer.Store
	logger *slog.Logger

	stabilityWindow time.Duration
	perFileTimeout time.Duration
	listTimeout time.Duration
	transferBaseURL string
}

// Config collects the timeouts an Engine enforces on its blocking steps.
type Config struct {
	StabilityWindow time.Duration // single sample spacing; engine samples 3x
	PerFileTimeout time.Duration
	ListTimeout time.Duration
	TransferBaseURL string // e.g. "https://controller.local:9921", used to fill DOWNLOAD_URL
}

// New creates an Engine.
func New(sender Sender, pending *registry.PendingTable, tokens *transfer.Store, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		sender: sender,
		pending: pending,
		tokens: tokens,
		logger: logger,
		stabilityWindow: cfg.StabilityWindow,
		perFileTimeout: cfg.PerFileTimeout,
		listTimeout: cfg.ListTimeout,
		transferBaseURL: cfg.TransferBaseURL,
	}
}

// tempName builds the hidden, uniquely-suffixed temp name an in-flight sync
// transfer lands under before the final atomic rename: ".sync_temp_<source_client_id>_<uuid8>_<filename>".
func tempName(sourceAgentID, filename string) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf(".sync_temp_%s_%s_%s", sourceAgentID, suffix, filename)
}

// listFiles requests LIST_FILES from agentID and waits for the correlated
// OK frame carrying files=<json array of names>.
func (e *Engine) listFiles(ctx context.Context, agentID string) ([]string, error) {
	if err := e.sender.SendTo(agentID, protocol.Frame{Command: protocol.CmdListFiles}); err != nil {
		return nil, fmt.Errorf("syncengine: requesting file list from %s: %w", agentID, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.listTimeout)
	defer cancel()

	raw, err := e.pending.Await(waitCtx, agentID, "files")
	if err != nil {
		return nil, fmt.Errorf("syncengine: awaiting file list from %s: %w", agentID, err)
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("syncengine: decoding file list from %s: %w", agentID, err)
	}
	return names, nil
}

// waitStable polls path's size 3 times spaced stabilityWindow apart and
// returns once it has not changed and the file is openable.
func waitStable(ctx context.Context, path string, window time.Duration) error {
	var lastSize int64 = -1
	stableCount := 0

	for stableCount < 3 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(window):
		}

		info, err := os.Stat(path)
		if err != nil {
			stableCount = 0
			lastSize = -1
			continue
		}
		if info.Size() == lastSize {
			stableCount++
		} else {
			stableCount = 1
			lastSize = info.Size()
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("syncengine: final openability check failed: %w", err)
	}
	return f.Close()
}

// renameWithRetry performs the final rename onto the destination's public
// name, retrying up to 3x at 500ms on a lock conflict.
func renameWithRetry(src, dst string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("syncengine: renaming %s to %s after retries: %w", src, dst, err)
}

// PullFromAgent implements mode 1, agent → local: pulls every file
// the source agent reports into destDir, materializing under a temp name
// until stable, then renaming atomically.
func (e *Engine) PullFromAgent(ctx context.Context, sourceAgentID, destDir string) error {
	names, err := e.listFiles(ctx, sourceAgentID)
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := security.ValidateFilename(name); err != nil {
			e.logger.Warn("syncengine: skipping unsafe filename from source", "source", sourceAgentID, "name", name, "err", err)
			continue
		}

		fileCtx, cancel := context.WithTimeout(ctx, e.perFileTimeout)
		err := e.pullOne(fileCtx, sourceAgentID, name, destDir)
		cancel()
		if err != nil {
			return fmt.Errorf("syncengine: pulling %s from %s: %w", name, sourceAgentID, err)
		}
	}

	return nil
}

func (e *Engine) pullOne(ctx context.Context, sourceAgentID, name, destDir string) error {
	temp := tempName(sourceAgentID, name)
	tempPath, err := security.ResolveWithinRoot(destDir, temp)
	if err != nil {
		return err
	}

	tok, err := e.tokens.MintUpload(temp)
	if err != nil {
		return err
	}

	if err := e.sender.SendTo(sourceAgentID, protocol.Frame{
		Command: protocol.CmdUploadToken,
		Kwargs: map[string]string{"token": tok.Value, "filename": name, "url": e.transferBaseURL + "/upload/" + tok.Value},
	}); err != nil {
		return err
	}

	if err := waitUntilExists(ctx, tempPath); err != nil {
		return err
	}
	if err := waitStable(ctx, tempPath, e.stabilityWindow); err != nil {
		return err
	}

	finalPath, err := security.ResolveWithinRoot(destDir, name)
	if err != nil {
		return err
	}
	return renameWithRetry(tempPath, finalPath)
}

// PushToAgents implements mode 2, local → agents: wipes each target's
// library, then pushes every file under srcDir via a download token each
// target pulls.
func (e *Engine) PushToAgents(ctx context.Context, targets []string, srcDir string) error {
	for _, agentID := range targets {
		if err := e.sender.SendTo(agentID, protocol.Frame{
			Command: protocol.CmdRemoveFile,
			Kwargs: map[string]string{"filename": "all"},
		}); err != nil {
			e.logger.Warn("syncengine: failed to wipe target library", "agent_id", agentID, "err", err)
		}
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("syncengine: reading source directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(srcDir, name)

		for _, agentID := range targets {
			tok, err := e.tokens.MintDownload(path)
			if err != nil {
				return err
			}
			if err := e.sender.SendTo(agentID, protocol.Frame{
				Command: protocol.CmdDownloadToken,
				Kwargs: map[string]string{"token": tok.Value, "filename": name, "url": e.transferBaseURL + "/download/" + tok.Value},
			}); err != nil {
				e.logger.Warn("syncengine: failed to push download token", "agent_id", agentID, "err", err)
			}
		}
	}

	return nil
}

// SyncAgentToAgents implements mode 3: pulls the source agent's
// library into a temp directory, then pushes it to the target set minus the
// source agent.
func (e *Engine) SyncAgentToAgents(ctx context.Context, sourceAgentID string, targets []string, workDir string) error {
	tmpDir, err := os.MkdirTemp(workDir, "sync_agent_to_agents_*")
	if err != nil {
		return fmt.Errorf("syncengine: creating work directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := e.PullFromAgent(ctx, sourceAgentID, tmpDir); err != nil {
		return err
	}

	filtered := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != sourceAgentID {
			filtered = append(filtered, t)
		}
	}

	return e.PushToAgents(ctx, filtered, tmpDir)
}

func waitUntilExists(ctx context.Context, path string) error {
	const pollInterval = 100 * time.Millisecond
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
