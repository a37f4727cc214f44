package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/cpor/internal/crypto"
	"github.com/danmuck/cpor/internal/protocol"
	"github.com/danmuck/cpor/internal/transport"
)

// Acceptor runs the responding half of the CPOR handshake and resume. It
// keeps the live sessions by client id so a resume arriving on a fresh
// connection can be attached to the session it belongs to.
type Acceptor struct {
	signer    crypto.Provider
	store     KeyStore
	registrar Registrar
	cfg       Config
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewAcceptor(signer crypto.Provider, store KeyStore, registrar Registrar,
	cfg Config, log zerolog.Logger) *Acceptor {
	return &Acceptor{
		signer:    signer,
		store:     store,
		registrar: registrar,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "acceptor").Logger(),
		sessions:  make(map[string]*Session),
	}
}

// Lookup returns the live session for a client, if any.
func (a *Acceptor) Lookup(clientID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[clientID]
	return s, ok
}

// Accept serves one freshly opened transport. A ConnectRequest yields a
// new established session; a ResumeRequest re-attaches the transport to
// the session it resumes and returns that session.
func (a *Acceptor) Accept(ctx context.Context, tr transport.Transport) (*Session, error) {
	if err := tr.Open(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	hctx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	env, err := a.readEnvelope(hctx, tr)
	if err != nil {
		return nil, err
	}
	switch msg := env.Message.(type) {
	case *protocol.ConnectRequest:
		return a.acceptConnect(hctx, tr, env, msg)
	case *protocol.ResumeRequest:
		return a.acceptResume(tr, env, msg)
	default:
		return nil, fmt.Errorf("%w: connection opened with %s", ErrHandshakeFailed, msg.Type())
	}
}

func (a *Acceptor) acceptConnect(ctx context.Context, tr transport.Transport,
	env protocol.Envelope, req *protocol.ConnectRequest) (*Session, error) {

	ok, err := crypto.Verify(req.ClientPubkey, env.CanonicalBytes(), env.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: connect request signature rejected", ErrVerification)
	}
	if err := verifyStoredKey(a.store, req.ClientID, req.ClientPubkey); err != nil {
		a.respond(ctx, tr, 2, &protocol.ConnectResponse{
			SessionID:    uuid.NewString(),
			ServerPubkey: a.signer.PublicKey(),
			StatusCode:   protocol.StatusInternalError,
			ErrorMessage: "client key does not match registration",
		})
		return nil, err
	}

	sessionID := uuid.NewString()
	if req.RegistrationFlag {
		var err error
		req, err = a.runRegistration(ctx, tr, sessionID, req)
		if err != nil {
			return nil, err
		}
	}

	if err := a.respond(ctx, tr, 3, &protocol.ConnectResponse{
		SessionID:     sessionID,
		Timestamp:     uint64(time.Now().Unix()),
		ResumeCounter: 0,
		ServerPubkey:  a.signer.PublicKey(),
		StatusCode:    protocol.StatusOK,
	}); err != nil {
		return nil, err
	}

	sess := newSession(RoleServer, req.ClientID, sessionID, req.ClientPubkey, tr, a.signer, a.cfg, a.log)
	a.mu.Lock()
	a.sessions[req.ClientID] = sess
	a.mu.Unlock()
	a.log.Info().Str("client_id", req.ClientID).Str("session_id", sessionID).
		Msg("session established")
	return sess, nil
}

// runRegistration executes the server half of the registration
// sub-protocol inside the handshake: offer an ephemeral key, then unseal
// and persist the client's long-term key from the follow-up request. The
// unsealed key must match the key the request was signed with.
func (a *Acceptor) runRegistration(ctx context.Context, tr transport.Transport,
	sessionID string, req *protocol.ConnectRequest) (*protocol.ConnectRequest, error) {

	if a.registrar == nil {
		a.respond(ctx, tr, 2, &protocol.ConnectResponse{
			SessionID:    sessionID,
			ServerPubkey: a.signer.PublicKey(),
			StatusCode:   protocol.StatusRegistrationFailed,
			ErrorMessage: "registration not offered",
		})
		return nil, fmt.Errorf("%w: no registrar configured", ErrRegistrationFailed)
	}
	eph, err := a.registrar.BeginRegistration(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if err := a.respond(ctx, tr, 2, &protocol.ConnectResponse{
		SessionID:       sessionID,
		ServerPubkey:    a.signer.PublicKey(),
		StatusCode:      protocol.StatusRegistrationRequired,
		ErrorMessage:    "registration required",
		EphemeralPubkey: eph,
	}); err != nil {
		return nil, err
	}

	env, err := a.readEnvelope(ctx, tr)
	if err != nil {
		return nil, err
	}
	second, ok := env.Message.(*protocol.ConnectRequest)
	if !ok {
		return nil, fmt.Errorf("%w: expected follow-up connect request, got %s",
			ErrRegistrationFailed, env.Message.Type())
	}
	verified, err := crypto.Verify(second.ClientPubkey, env.CanonicalBytes(), env.Signature)
	if err != nil || !verified {
		return nil, fmt.Errorf("%w: follow-up signature rejected", ErrVerification)
	}
	if second.ClientID != req.ClientID || !bytes.Equal(second.ClientPubkey, req.ClientPubkey) {
		return nil, fmt.Errorf("%w: follow-up identity mismatch", ErrRegistrationFailed)
	}

	sealed, err := extractSealedKey(second.ClientMetadata)
	if err != nil {
		a.rejectRegistration(ctx, tr, sessionID, err.Error())
		return nil, err
	}
	registered, err := a.registrar.CompleteRegistration(ctx, second.ClientID, sealed)
	if err != nil {
		a.rejectRegistration(ctx, tr, sessionID, "sealed key rejected")
		return nil, err
	}
	if !bytes.Equal(registered, second.ClientPubkey) {
		a.rejectRegistration(ctx, tr, sessionID, "sealed key does not match signing key")
		return nil, fmt.Errorf("%w: sealed key does not match signing key", ErrRegistrationFailed)
	}
	return second, nil
}

func extractSealedKey(metadata []byte) ([]byte, error) {
	meta, err := protocol.DecodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata undecodable", ErrRegistrationFailed)
	}
	sealed, ok := meta[registrationSealKey].([]byte)
	if !ok || len(sealed) == 0 {
		return nil, fmt.Errorf("%w: no sealed key in follow-up request", ErrRegistrationFailed)
	}
	return sealed, nil
}

func (a *Acceptor) rejectRegistration(ctx context.Context, tr transport.Transport, sessionID, reason string) {
	a.respond(ctx, tr, 3, &protocol.ConnectResponse{
		SessionID:    sessionID,
		ServerPubkey: a.signer.PublicKey(),
		StatusCode:   protocol.StatusRegistrationFailed,
		ErrorMessage: reason,
	})
}

func (a *Acceptor) acceptResume(tr transport.Transport,
	env protocol.Envelope, req *protocol.ResumeRequest) (*Session, error) {

	a.mu.Lock()
	sess := a.sessions[req.ClientID]
	a.mu.Unlock()
	if sess == nil || sess.State().Terminal() {
		resp := &protocol.ResumeResponse{
			StatusCode:   protocol.StatusResumeRejected,
			ErrorMessage: "no resumable session",
		}
		a.respond(context.Background(), tr, 1, resp)
		return nil, fmt.Errorf("%w: no resumable session for client %s", ErrResumeRejected, req.ClientID)
	}
	ok, err := crypto.Verify(sess.PeerPublicKey(), env.CanonicalBytes(), env.Signature)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: resume request signature rejected", ErrVerification)
	}
	if err := sess.attach(tr, req); err != nil {
		return nil, err
	}
	return sess, nil
}

func (a *Acceptor) readEnvelope(ctx context.Context, tr transport.Transport) (protocol.Envelope, error) {
	raw, err := tr.ReceiveBytes(ctx)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	env, err := protocol.Decode(raw, a.cfg.Limits)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return env, nil
}

func (a *Acceptor) respond(ctx context.Context, tr transport.Transport, msgID uint64, msg protocol.Message) error {
	canonical, err := protocol.CanonicalBytes(msg)
	if err != nil {
		return err
	}
	sig, err := a.signer.Sign(canonical)
	if err != nil {
		return fmt.Errorf("%w: signing: %v", ErrHandshakeFailed, err)
	}
	raw, err := protocol.EncodeSigned(msg, msgID, sig)
	if err != nil {
		return err
	}
	if err := tr.SendBytes(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return nil
}
