// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
)

// replayHandler runs <handlers_dir>/<name> line-by-line through the same
// command parser as the operator console, if the file exists. Missing handler files are not an error — most lifecycle events
// have none configured.
func (s *Server) replayHandler(ctx context.Context, name string) {
	path := filepath.Join(s.cfg.Filesystem.HandlersDir, name)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if res := s.Dispatch(ctx, line); res.Err != nil {
			s.logger.Warn("server: handler script command failed", "handler", name, "line", line, "err", res.Err)
		}
	}
}
