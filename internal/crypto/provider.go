// Package crypto owns key handling and the CPOR signature envelope.
//
// The engine only ever sees the Provider interface, so hardware-backed
// keys can replace the software implementation without touching the
// session code.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	PublicKeyLen = ed25519.PublicKeySize
	SignatureLen = ed25519.SignatureSize
	SeedLen      = ed25519.SeedSize
)

var (
	ErrBadKeyLength       = errors.New("crypto: invalid key length")
	ErrBadSignatureLength = errors.New("crypto: invalid signature length")
	ErrBadSeedFile        = errors.New("crypto: invalid seed file")
)

// Provider signs canonical message bytes and exposes the matching public
// key. Implementations may hold the private key in software or hardware.
type Provider interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() []byte
}

// SoftwareProvider keeps an Ed25519 private key in process memory.
type SoftwareProvider struct {
	priv ed25519.PrivateKey
}

func NewSoftwareProvider() (*SoftwareProvider, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &SoftwareProvider{priv: priv}, nil
}

func NewSoftwareProviderFromSeed(seed []byte) (*SoftwareProvider, error) {
	if len(seed) != SeedLen {
		return nil, ErrBadKeyLength
	}
	return &SoftwareProvider{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (p *SoftwareProvider) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(p.priv, data), nil
}

func (p *SoftwareProvider) PublicKey() []byte {
	pub := p.priv.Public().(ed25519.PublicKey)
	out := make([]byte, len(pub))
	copy(out, pub)
	return out
}

// Seed exposes the private seed for persistence via SaveSeed.
func (p *SoftwareProvider) Seed() []byte {
	return p.priv.Seed()
}

// SaveSeed writes the hex-encoded seed to path with owner-only permissions.
func SaveSeed(path string, seed []byte) error {
	if len(seed) != SeedLen {
		return ErrBadKeyLength
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600)
}

// LoadSeed reads a hex-encoded seed written by SaveSeed.
func LoadSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: seed load failed (%s): %w", path, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSeedFile, path)
	}
	if len(seed) != SeedLen {
		return nil, fmt.Errorf("%w: %s", ErrBadSeedFile, path)
	}
	return seed, nil
}

// Verify reports whether signature covers data under pub. Length errors
// are reported distinctly from verification failure so callers never
// conflate a malformed frame with a forged one.
func Verify(pub, data, signature []byte) (bool, error) {
	if len(pub) != PublicKeyLen {
		return false, ErrBadKeyLength
	}
	if len(signature) != SignatureLen {
		return false, ErrBadSignatureLength
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, signature), nil
}

// NewNonce returns n cryptographically random bytes.
func NewNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}
	return buf, nil
}
