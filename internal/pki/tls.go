// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pki generates the ephemeral TLS identity used by botwave-server
// and configures the matching client-side trust for botwave-agent.
//
// The controller has no operator-provisioned CA: it mints a fresh self-signed
// certificate on every startup and agents dial with InsecureSkipVerify (or a
// pinned certificate fingerprint, when configured). There is no mTLS — the
// passkey carried in AUTH is what authenticates the agent, not a client cert.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const rsaKeyBits = 2048

// Identity is a freshly minted self-signed TLS identity.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string // SHA-256 of the DER certificate, hex-encoded
}

// GenerateServerIdentity creates a self-signed certificate for hostname,
// valid from now for validity (minimum 30 days per policy).
func GenerateServerIdentity(hostname string, validity time.Duration) (*Identity, error) {
	if validity < 30*24*time.Hour {
		return nil, fmt.Errorf("pki: cert validity must be at least 30 days, got %s", validity)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("pki: generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("pki: generating serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{hostname},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
		template.DNSNames = nil
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("pki: creating certificate: %w", err)
	}

	sum := sha256.Sum256(der)

	return &Identity{
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		},
		Fingerprint: fmt.Sprintf("%x", sum),
	}, nil
}

// NewServerTLSConfig builds the control/transfer listener TLS config around
// a freshly minted identity.
func NewServerTLSConfig(id *Identity) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{id.Certificate},
	}
}

// NewClientTLSConfig builds the agent's dial-side TLS config. When
// pinnedFingerprint is non-empty, chain verification is skipped and the
// controller's certificate must match the pin exactly. Without a pin, the
// certificate is verified normally unless insecureSkipVerify is set, in which
// case trust rests on the passkey exchanged during AUTH.
func NewClientTLSConfig(insecureSkipVerify bool, pinnedFingerprint string) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify || pinnedFingerprint != "",
	}

	if pinnedFingerprint != "" {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("pki: no certificate presented")
			}
			sum := sha256.Sum256(rawCerts[0])
			got := fmt.Sprintf("%x", sum)
			if got != pinnedFingerprint {
				return fmt.Errorf("pki: certificate fingerprint mismatch: got %s, want %s", got, pinnedFingerprint)
			}
			return nil
		}
	}

	return cfg
}
