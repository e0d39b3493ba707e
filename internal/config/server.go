// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the full configuration of the botwave-server controller.
type ServerConfig struct {
	Control ControlListenInfo `yaml:"control"`
	Transfer TransferListenInfo `yaml:"transfer"`
	TLS TLSInfo `yaml:"tls"`
	Passkey string `yaml:"passkey"`
	Version string `yaml:"version"`
	Filesystem FilesystemInfo `yaml:"filesystem"`
	Broadcast BroadcastInfo `yaml:"broadcast"`
	Queue QueueInfo `yaml:"queue"`
	Timeouts ServerTimeouts `yaml:"timeouts"`
	Logging LoggingInfo `yaml:"logging"`
}

// ControlListenInfo configures the TLS WebSocket control-plane listener.
type ControlListenInfo struct {
	Listen string `yaml:"listen"` // default: ":9938"
}

// TransferListenInfo configures the TLS HTTP(S) transfer-plane listener.
type TransferListenInfo struct {
	Listen string `yaml:"listen"` // default: ":9921"
	MaxUploadBody string `yaml:"max_upload_body"` // e.g. "512mb", default "512mb"
	MaxUploadBodyRaw int64 `yaml:"-"`
	TransferBytesPerSec int64 `yaml:"transfer_bytes_per_sec"` // 0 = unlimited
	StreamBytesPerSec int64 `yaml:"stream_bytes_per_sec"` // 0 = unlimited
	TokenIdleTimeout time.Duration `yaml:"token_idle_timeout"` // default 5m
}

// TLSInfo configures the ephemeral self-signed certificate minted at startup.
type TLSInfo struct {
	CertValidity time.Duration `yaml:"cert_validity"` // default 720h (30 days), must be >= 30 days
	Hostname string `yaml:"hostname"` // CN override; default os.Hostname()
}

// FilesystemInfo configures the on-disk roots.
type FilesystemInfo struct {
	BaseDir string `yaml:"base_dir"` // default "/opt/BotWave"
	UploadsDir string `yaml:"uploads_dir"` // default "<base_dir>/uploads"
	HandlersDir string `yaml:"handlers_dir"` // default "<base_dir>/handlers"
}

// BroadcastInfo configures coordinator defaults. Only WaitStart is read;
// WaitStartPerAgent is defaulted but not used, as the coordinator staggers
// launches by a fixed 20s per extra target.
type BroadcastInfo struct {
	WaitStart bool `yaml:"wait_start"` // default true
	WaitStartPerAgent time.Duration `yaml:"wait_start_per_agent"` // default 20s
}

// QueueInfo configures the idle-autoplay queue controller.
type QueueInfo struct {
	AutoplaySchedule string `yaml:"autoplay_schedule"` // optional cron expression; empty disables
}

// ServerTimeouts collects the controller's timeout settings. HeartbeatInterval,
// FileListSync, SyncStabilityWindow and SyncPerFile are read by the server;
// Registration, HeartbeatMissed, FileListInteractive and Subprocess are
// defaulted but not read by any component.
type ServerTimeouts struct {
	Registration time.Duration `yaml:"registration"` // default 5s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default 15s
	HeartbeatMissed int `yaml:"heartbeat_missed"` // default 3
	FileListInteractive time.Duration `yaml:"file_list_interactive"` // default 10s
	FileListSync time.Duration `yaml:"file_list_sync"` // default 30s
	Subprocess time.Duration `yaml:"subprocess"` // default 30s
	SyncStabilityWindow time.Duration `yaml:"sync_stability_window"` // default 500ms (x3 samples)
	SyncPerFile time.Duration `yaml:"sync_per_file"` // default 120s
}

// LoadServerConfig reads and validates the botwave-server YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Control.Listen == "" {
		c.Control.Listen = ":9938"
	}
	if c.Transfer.Listen == "" {
		c.Transfer.Listen = ":9921"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}

	if c.Transfer.MaxUploadBody == "" {
		c.Transfer.MaxUploadBody = "512mb"
	}
	parsed, err := ParseByteSize(c.Transfer.MaxUploadBody)
	if err != nil {
		return fmt.Errorf("transfer.max_upload_body: %w", err)
	}
	c.Transfer.MaxUploadBodyRaw = parsed
	if c.Transfer.TokenIdleTimeout <= 0 {
		c.Transfer.TokenIdleTimeout = 5 * time.Minute
	}

	if c.TLS.CertValidity <= 0 {
		c.TLS.CertValidity = 720 * time.Hour
	}
	if c.TLS.CertValidity < 30*24*time.Hour {
		return fmt.Errorf("tls.cert_validity must be at least 30 days, got %s", c.TLS.CertValidity)
	}

	if c.Filesystem.BaseDir == "" {
		c.Filesystem.BaseDir = "/opt/BotWave"
	}
	if c.Filesystem.UploadsDir == "" {
		c.Filesystem.UploadsDir = c.Filesystem.BaseDir + "/uploads"
	}
	if c.Filesystem.HandlersDir == "" {
		c.Filesystem.HandlersDir = c.Filesystem.BaseDir + "/handlers"
	}

	if c.Broadcast.WaitStartPerAgent <= 0 {
		c.Broadcast.WaitStartPerAgent = 20 * time.Second
	}

	if c.Timeouts.Registration <= 0 {
		c.Timeouts.Registration = 5 * time.Second
	}
	if c.Timeouts.HeartbeatInterval <= 0 {
		c.Timeouts.HeartbeatInterval = 15 * time.Second
	}
	if c.Timeouts.HeartbeatMissed <= 0 {
		c.Timeouts.HeartbeatMissed = 3
	}
	if c.Timeouts.FileListInteractive <= 0 {
		c.Timeouts.FileListInteractive = 10 * time.Second
	}
	if c.Timeouts.FileListSync <= 0 {
		c.Timeouts.FileListSync = 30 * time.Second
	}
	if c.Timeouts.Subprocess <= 0 {
		c.Timeouts.Subprocess = 30 * time.Second
	}
	if c.Timeouts.SyncStabilityWindow <= 0 {
		c.Timeouts.SyncStabilityWindow = 500 * time.Millisecond
	}
	if c.Timeouts.SyncPerFile <= 0 {
		c.Timeouts.SyncPerFile = 120 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
