// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"io"
)

// newLoopbackCapture opens the PCM source fed to a LIVE stream token.
// Loopback audio capture is an external collaborator invoked as a pure
// function producing a PCM stream; this stub produces silence at the
// requested rate/channel count so the rest of the stream plumbing (token
// minting, STREAM_TOKEN fan-out, chunked HTTP relay) is exercisable without
// a real audio backend wired in.
func newLoopbackCapture(sampleRate, channels int) (io.ReadCloser, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid PCM format: rate=%d channels=%d", sampleRate, channels)
	}
	return &silenceSource{}, nil
}

// silenceSource is an io.ReadCloser that yields zeroed PCM frames forever
// until closed.
type silenceSource struct {
	closed bool
}

func (s *silenceSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.EOF
	}
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (s *silenceSource) Close() error {
	s.closed = true
	return nil
}
