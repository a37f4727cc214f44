package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	p, err := NewSoftwareProvider()
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	data := []byte("canonical message bytes")
	sig, err := p.Sign(data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != SignatureLen {
		t.Fatalf("signature length got=%d", len(sig))
	}
	ok, err := Verify(p.PublicKey(), data, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("valid signature rejected")
	}
}

func TestVerifyFlipsOnMutation(t *testing.T) {
	p, err := NewSoftwareProvider()
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	data := []byte("canonical message bytes")
	sig, _ := p.Sign(data)

	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0x01
	ok, err := Verify(p.PublicKey(), mutated, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("mutated data verified")
	}

	badSig := append([]byte(nil), sig...)
	badSig[10] ^= 0x01
	ok, err = Verify(p.PublicKey(), data, badSig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("mutated signature verified")
	}
}

func TestVerifyRejectsBadLengths(t *testing.T) {
	p, _ := NewSoftwareProvider()
	data := []byte("x")
	sig, _ := p.Sign(data)
	if _, err := Verify(p.PublicKey()[:31], data, sig); !errors.Is(err, ErrBadKeyLength) {
		t.Fatalf("expected ErrBadKeyLength, got %v", err)
	}
	if _, err := Verify(p.PublicKey(), data, sig[:63]); !errors.Is(err, ErrBadSignatureLength) {
		t.Fatalf("expected ErrBadSignatureLength, got %v", err)
	}
}

func TestSeedPersistenceRoundTrip(t *testing.T) {
	p, err := NewSoftwareProvider()
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cpor.key")
	if err := SaveSeed(path, p.Seed()); err != nil {
		t.Fatalf("save seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	again, err := NewSoftwareProviderFromSeed(seed)
	if err != nil {
		t.Fatalf("provider from seed: %v", err)
	}
	if !bytes.Equal(again.PublicKey(), p.PublicKey()) {
		t.Fatalf("reloaded key pair differs")
	}
}

func TestRegistrationSealOpenRoundTrip(t *testing.T) {
	server, err := NewEphemeralKey()
	if err != nil {
		t.Fatalf("ephemeral key: %v", err)
	}
	client, err := NewSoftwareProvider()
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	blob, err := SealRegistration(server.PublicKey(), client.PublicKey())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := server.OpenRegistration(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, client.PublicKey()) {
		t.Fatalf("recovered key differs")
	}
}

func TestRegistrationOpenRejectsTampering(t *testing.T) {
	server, _ := NewEphemeralKey()
	client, _ := NewSoftwareProvider()
	blob, err := SealRegistration(server.PublicKey(), client.PublicKey())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	if _, err := server.OpenRegistration(blob); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("expected ErrSealOpen, got %v", err)
	}
}

func TestRegistrationOpenRejectsWrongKey(t *testing.T) {
	server, _ := NewEphemeralKey()
	other, _ := NewEphemeralKey()
	client, _ := NewSoftwareProvider()
	blob, err := SealRegistration(server.PublicKey(), client.PublicKey())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := other.OpenRegistration(blob); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("expected ErrSealOpen, got %v", err)
	}
}

func TestNewNonceLength(t *testing.T) {
	n, err := NewNonce(16)
	if err != nil {
		t.Fatalf("new nonce: %v", err)
	}
	if len(n) != 16 {
		t.Fatalf("nonce length got=%d", len(n))
	}
}
