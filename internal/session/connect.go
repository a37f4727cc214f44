package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/cpor/internal/crypto"
	"github.com/danmuck/cpor/internal/protocol"
	"github.com/danmuck/cpor/internal/protocol/frame"
	"github.com/danmuck/cpor/internal/transport"
)

// registrationSealKey is the client_metadata entry carrying the sealed
// long-term public key during the registration sub-protocol.
const registrationSealKey = "sealed_pubkey"

// StorageAdvertiser lets a key provider declare how its private key is
// held; the value travels in ConnectRequest.key_storage. Providers that
// stay silent are advertised as software-backed.
type StorageAdvertiser interface {
	KeyStorage() string
}

// Connect runs the initiating half of the CPOR handshake over an opened
// transport and returns an established session. When cfg.Register is set
// the registration sub-protocol runs inside the handshake: the server
// answers with a session-scoped ephemeral key, and the client returns its
// long-term public key sealed under it.
func Connect(ctx context.Context, tr transport.Transport, signer crypto.Provider,
	clientID string, cfg Config, log zerolog.Logger) (*Session, error) {

	cfg = cfg.withDefaults()
	if err := tr.Open(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	req, err := buildConnectRequest(clientID, signer, cfg.Register, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	resp, err := connectExchange(hctx, tr, signer, req, cfg.Limits, 1)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == protocol.StatusRegistrationRequired {
		if !cfg.Register {
			return nil, fmt.Errorf("%w: server demands registration", ErrHandshakeFailed)
		}
		resp, err = completeClientRegistration(hctx, tr, signer, req, resp, cfg.Limits)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode != protocol.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrHandshakeFailed, resp.StatusCode, resp.ErrorMessage)
	}

	log.Info().Str("session_id", resp.SessionID).Str("client_id", clientID).
		Msg("session established")
	return newSession(RoleClient, clientID, resp.SessionID, resp.ServerPubkey, tr, signer, cfg, log), nil
}

func buildConnectRequest(clientID string, signer crypto.Provider, register bool,
	metadata map[string]any) (*protocol.ConnectRequest, error) {

	nonce, err := crypto.NewNonce(protocol.NonceMaxLen)
	if err != nil {
		return nil, err
	}
	meta, err := protocol.EncodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	storage := protocol.KeyStorageSoftware
	if adv, ok := signer.(StorageAdvertiser); ok {
		storage = adv.KeyStorage()
	}
	return &protocol.ConnectRequest{
		ClientID:         clientID,
		Timestamp:        uint64(time.Now().Unix()),
		ClientPubkey:     signer.PublicKey(),
		ResumeCounter:    0,
		Nonce:            nonce,
		RegistrationFlag: register,
		KeyStorage:       storage,
		ClientMetadata:   meta,
	}, nil
}

// completeClientRegistration answers a StatusRegistrationRequired response:
// seal our long-term key under the server's ephemeral key and repeat the
// connect with the sealed blob attached.
func completeClientRegistration(ctx context.Context, tr transport.Transport, signer crypto.Provider,
	req *protocol.ConnectRequest, resp *protocol.ConnectResponse, limits frame.Limits) (*protocol.ConnectResponse, error) {

	if len(resp.EphemeralPubkey) == 0 {
		return nil, fmt.Errorf("%w: server offered no ephemeral key", ErrRegistrationFailed)
	}
	sealed, err := crypto.SealRegistration(resp.EphemeralPubkey, signer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	meta, err := protocol.EncodeMetadata(map[string]any{registrationSealKey: sealed})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	second := *req
	second.ClientMetadata = meta
	final, err := connectExchange(ctx, tr, signer, &second, limits, 2)
	if err != nil {
		return nil, err
	}
	if final.StatusCode == protocol.StatusRegistrationFailed {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRegistrationFailed, final.StatusCode, final.ErrorMessage)
	}
	return final, nil
}

// connectExchange sends one signed ConnectRequest and waits for the
// matching verified ConnectResponse. The response is self-certifying: it
// carries the server key that its own signature must verify under.
func connectExchange(ctx context.Context, tr transport.Transport, signer crypto.Provider,
	req *protocol.ConnectRequest, limits frame.Limits, msgID uint64) (*protocol.ConnectResponse, error) {

	canonical, err := protocol.CanonicalBytes(req)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", ErrHandshakeFailed, err)
	}
	raw, err := protocol.EncodeSigned(req, msgID, sig)
	if err != nil {
		return nil, err
	}
	if err := tr.SendBytes(ctx, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	for {
		in, err := tr.ReceiveBytes(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, fmt.Errorf("%w: no response within handshake timeout", ErrHandshakeFailed)
			}
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		env, err := protocol.Decode(in, limits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		resp, ok := env.Message.(*protocol.ConnectResponse)
		if !ok {
			continue
		}
		verified, err := crypto.Verify(resp.ServerPubkey, env.CanonicalBytes(), env.Signature)
		if err != nil || !verified {
			return nil, fmt.Errorf("%w: response signature rejected", ErrVerification)
		}
		return resp, nil
	}
}
