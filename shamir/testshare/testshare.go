// Package testshare is a non-cryptographic fixture implementing
// shamir.Service, used only by this module's own tests and by
// cmd/shardfsd's smoke-test wiring. It is styled after the byte-level
// striping in backend/raid3/streamsplitter.go (split a buffer into N
// parts, keep a parity part, reconstruct by XOR) but deliberately does
// NOT implement real polynomial secret sharing: the real primitive is
// an external collaborator per spec.md §1, and a test double has no
// business pretending to be cryptographically sound.
package testshare

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/shardfs/shardfs/shamir"
)

// Service implements shamir.Service with N-way additive (one-time-pad)
// sharing: N-1 random pads plus one parity pad whose XOR against the
// others recovers the original bytes. Reconstructing requires all N
// shares, not merely a threshold T of them — a real implementation is
// what provides the T-of-N property; this fixture only exists to give
// writebuffer.Commit something to call in tests.
type Service struct {
	cfg shamir.Config
}

// New returns a Service using cfg's ShareCount (Threshold is accepted
// for interface parity but unused: see the package doc comment).
func New(cfg shamir.Config) *Service {
	if cfg.ShareCount < 1 {
		cfg.ShareCount = 1
	}
	return &Service{cfg: cfg}
}

type envelope struct {
	Shares []string `json:"shares"` // base64-encoded pads, length cfg.ShareCount
}

func (s *Service) Disassemble(_ context.Context, data []byte) (string, error) {
	n := s.cfg.ShareCount
	shares := make([][]byte, n)
	parity := make([]byte, len(data))
	copy(parity, data)

	for i := 0; i < n-1; i++ {
		pad := make([]byte, len(data))
		if _, err := rand.Read(pad); err != nil {
			return "", fmt.Errorf("testshare: generate pad: %w", err)
		}
		shares[i] = pad
		for j := range pad {
			parity[j] ^= pad[j]
		}
	}
	shares[n-1] = parity

	env := envelope{Shares: make([]string, n)}
	for i, sh := range shares {
		env.Shares[i] = base64.StdEncoding.EncodeToString(sh)
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("testshare: marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (s *Service) Reassemble(_ context.Context, opaque string) ([]byte, error) {
	if opaque == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return nil, fmt.Errorf("testshare: decode envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("testshare: unmarshal envelope: %w", err)
	}
	if len(env.Shares) == 0 {
		return nil, nil
	}

	var out []byte
	for i, encoded := range env.Shares {
		pad, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("testshare: decode share %d: %w", i, err)
		}
		if i == 0 {
			out = make([]byte, len(pad))
			copy(out, pad)
			continue
		}
		for j := range pad {
			out[j] ^= pad[j]
		}
	}
	return out, nil
}
