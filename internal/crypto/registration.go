package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// gcmNonceLen is the standard 12-byte AES-GCM nonce.
const gcmNonceLen = 12

var (
	ErrSealTooShort = errors.New("crypto: sealed registration blob too short")
	ErrSealOpen     = errors.New("crypto: sealed registration blob rejected")
)

// EphemeralKey is a session-scoped X25519 key pair minted by the server
// for one registration exchange.
type EphemeralKey struct {
	priv *ecdh.PrivateKey
}

func NewEphemeralKey() (*EphemeralKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: ephemeral key generation failed: %w", err)
	}
	return &EphemeralKey{priv: priv}, nil
}

func (k *EphemeralKey) PublicKey() []byte {
	return k.priv.PublicKey().Bytes()
}

// SealRegistration encrypts the client's long-term public key to the
// server's ephemeral public key. The blob layout is
// client_ephemeral_pub(32) || gcm_nonce(12) || ciphertext.
func SealRegistration(serverEphemeralPub, clientPubkey []byte) ([]byte, error) {
	if len(serverEphemeralPub) != PublicKeyLen {
		return nil, ErrBadKeyLength
	}
	remote, err := ecdh.X25519().NewPublicKey(serverEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: bad ephemeral public key: %w", err)
	}
	local, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: ephemeral key generation failed: %w", err)
	}
	shared, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("crypto: key agreement failed: %w", err)
	}

	aead, err := newRegistrationAEAD(shared)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}

	blob := make([]byte, 0, PublicKeyLen+gcmNonceLen+len(clientPubkey)+aead.Overhead())
	blob = append(blob, local.PublicKey().Bytes()...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, clientPubkey, nil)
	return blob, nil
}

// OpenRegistration recovers the client public key from a sealed blob using
// the server's ephemeral private key.
func (k *EphemeralKey) OpenRegistration(blob []byte) ([]byte, error) {
	if len(blob) < PublicKeyLen+gcmNonceLen {
		return nil, ErrSealTooShort
	}
	remote, err := ecdh.X25519().NewPublicKey(blob[:PublicKeyLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealOpen, err)
	}
	shared, err := k.priv.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealOpen, err)
	}
	aead, err := newRegistrationAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := blob[PublicKeyLen : PublicKeyLen+gcmNonceLen]
	clientPub, err := aead.Open(nil, nonce, blob[PublicKeyLen+gcmNonceLen:], nil)
	if err != nil {
		return nil, ErrSealOpen
	}
	if len(clientPub) != PublicKeyLen {
		return nil, fmt.Errorf("%w: unexpected plaintext length", ErrSealOpen)
	}
	return clientPub, nil
}

func newRegistrationAEAD(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init failed: %w", err)
	}
	return aead, nil
}
