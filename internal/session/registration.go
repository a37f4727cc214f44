package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/cpor/internal/crypto"
)

// KeyStore persists client public keys learned through registration and
// answers identity lookups during the handshake.
type KeyStore interface {
	Lookup(clientID string) ([]byte, bool)
	Persist(clientID string, pubkey []byte) error
}

// MemoryKeyStore is the in-process KeyStore used by tests and single-node
// deployments.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (s *MemoryKeyStore) Lookup(clientID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[clientID]
	return key, ok
}

func (s *MemoryKeyStore) Persist(clientID string, pubkey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pubkey))
	copy(cp, pubkey)
	s.keys[clientID] = cp
	return nil
}

// Registrar runs the server half of the registration sub-protocol: mint a
// session-scoped ephemeral key, then unseal and persist the client's
// long-term public key.
type Registrar interface {
	BeginRegistration(ctx context.Context, clientID string) (ephemeralPub []byte, err error)
	CompleteRegistration(ctx context.Context, clientID string, sealed []byte) (clientPubkey []byte, err error)
}

// EphemeralRegistrar holds one pending X25519 exchange per client while a
// registration handshake is in flight.
type EphemeralRegistrar struct {
	mu      sync.Mutex
	store   KeyStore
	pending map[string]*crypto.EphemeralKey
}

func NewEphemeralRegistrar(store KeyStore) *EphemeralRegistrar {
	return &EphemeralRegistrar{store: store, pending: make(map[string]*crypto.EphemeralKey)}
}

func (r *EphemeralRegistrar) BeginRegistration(_ context.Context, clientID string) ([]byte, error) {
	key, err := crypto.NewEphemeralKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	r.mu.Lock()
	r.pending[clientID] = key
	r.mu.Unlock()
	return key.PublicKey(), nil
}

func (r *EphemeralRegistrar) CompleteRegistration(_ context.Context, clientID string, sealed []byte) ([]byte, error) {
	r.mu.Lock()
	key, ok := r.pending[clientID]
	delete(r.pending, clientID)
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no pending exchange for client %s", ErrRegistrationFailed, clientID)
	}
	pubkey, err := key.OpenRegistration(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if err := r.store.Persist(clientID, pubkey); err != nil {
		return nil, fmt.Errorf("%w: persist: %v", ErrRegistrationFailed, err)
	}
	return pubkey, nil
}

// verifyStoredKey checks a claimed public key against the store. A known
// client must present its registered key; an unknown client is accepted on
// first use and bound to the key it presented.
func verifyStoredKey(store KeyStore, clientID string, claimed []byte) error {
	if store == nil {
		return nil
	}
	stored, ok := store.Lookup(clientID)
	if !ok {
		return nil
	}
	if !bytes.Equal(stored, claimed) {
		return fmt.Errorf("%w: client %s presented a key that does not match its registration",
			ErrHandshakeFailed, clientID)
	}
	return nil
}
