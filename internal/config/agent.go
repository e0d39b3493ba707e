// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the full configuration of the botwave-agent edge client.
type AgentConfig struct {
	Agent AgentInfo `yaml:"agent"`
	Server ServerAddr `yaml:"server"`
	TLS TLSClient `yaml:"tls"`
	Modulator ModulatorInfo `yaml:"modulator"`
	Reconnect ReconnectInfo `yaml:"reconnect"`
	Storage AgentStorage `yaml:"storage"`
	Logging LoggingInfo `yaml:"logging"`
}

// AgentInfo identifies the agent. Name overrides the hostname reported in REGISTER.
type AgentInfo struct {
	Name string `yaml:"name"`
}

// ServerAddr is the controller's control-plane WebSocket address.
type ServerAddr struct {
	Address string `yaml:"address"` // host:port, e.g. "controller.local:9938"
	Passkey string `yaml:"passkey"` // optional, sent as AUTH during the handshake
}

// LoggingInfo configures logging, shared between server and agent.
type LoggingInfo struct {
	Level string `yaml:"level"`
	Format string `yaml:"format"`
	File string `yaml:"file"`
}

// TLSClient configures the agent's TLS dial behavior. Because the controller
// mints an ephemeral self-signed certificate, the agent has no CA
// bundle to verify against. InsecureSkipVerify is false unless set; with
// neither it nor PinnedFingerprint set, the certificate is verified normally.
type TLSClient struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	PinnedFingerprint string `yaml:"pinned_fingerprint"` // optional SHA-256 cert pin, checked when non-empty
}

// ModulatorInfo configures the attached FM transmitter device.
type ModulatorInfo struct {
	Device string `yaml:"device"` // e.g. "/dev/ttyUSB0", or "stub" for dev/test
	FrequencyMHz float64 `yaml:"frequency_mhz"`
}

// ReconnectInfo controls the agent's reconnect-with-backoff loop.
type ReconnectInfo struct {
	InitialDelay time.Duration `yaml:"initial_delay"` // default 1s
	MaxDelay time.Duration `yaml:"max_delay"` // default 30s
}

// AgentStorage configures where the agent keeps received files.
type AgentStorage struct {
	MediaDir string `yaml:"media_dir"` // default "/var/lib/botwave/media"
	TempDir string `yaml:"temp_dir"` // default "<media_dir>/.tmp"
}

// LoadAgentConfig reads and validates the botwave-agent YAML config file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if c.Modulator.Device == "" {
		c.Modulator.Device = "stub"
	}

	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = 1 * time.Second
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.initial_delay")
	}

	if c.Storage.MediaDir == "" {
		c.Storage.MediaDir = "/var/lib/botwave/media"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = c.Storage.MediaDir + "/.tmp"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" never matches as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
