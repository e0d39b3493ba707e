// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

import (
	"testing"
	"time"
)

func TestGenerateServerIdentity_RejectsShortValidity(t *testing.T) {
	if _, err := GenerateServerIdentity("localhost", time.Hour); err == nil {
		t.Error("expected error for validity below 30 days")
	}
}

func TestGenerateServerIdentity_ProducesUsableCertificate(t *testing.T) {
	id, err := GenerateServerIdentity("localhost", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateServerIdentity: %v", err)
	}
	if len(id.Certificate.Certificate) == 0 {
		t.Fatal("expected a DER certificate")
	}
	if len(id.Fingerprint) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(id.Fingerprint))
	}
}

func TestNewClientTLSConfig_PinnedFingerprintForcesSkipVerify(t *testing.T) {
	cfg := NewClientTLSConfig(false, "deadbeef")
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify when a pin is set, custom VerifyPeerCertificate replaces default checks")
	}
	if cfg.VerifyPeerCertificate == nil {
		t.Error("expected VerifyPeerCertificate to be set when pinning")
	}
}
