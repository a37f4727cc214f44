package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/cpor/internal/crypto"
	"github.com/danmuck/cpor/internal/protocol"
	"github.com/danmuck/cpor/internal/protocol/frame"
	"github.com/danmuck/cpor/internal/testutil/testlog"
	"github.com/danmuck/cpor/internal/transport"
)

const testClientID = "3f0e9a54-1f2b-4f46-9d53-0a1f6f8e2a11"

func testConfig() Config {
	return Config{
		HandshakeTimeout:         2 * time.Second,
		ResumeTimeout:            300 * time.Millisecond,
		CloseTimeout:             500 * time.Millisecond,
		HeartbeatInterval:        time.Hour, // quiet unless a test wants probes
		HeartbeatTimeoutMultiple: 3,
		WindowSize:               8,
		ResumeBufferCapacity:     64,
		MaxResumeAttempts:        2,
		Backoff: transport.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: not reached within %v", what, d)
}

// wirePeer speaks raw signed frames over one memory endpoint so tests can
// script the remote side of a session exactly.
type wirePeer struct {
	t       *testing.T
	tr      *transport.Memory
	signer  *crypto.SoftwareProvider
	peerPub []byte
	nextID  uint64
}

func newWirePeer(t *testing.T, tr *transport.Memory) *wirePeer {
	t.Helper()
	signer, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	return &wirePeer{t: t, tr: tr, signer: signer, nextID: 1}
}

func (p *wirePeer) send(msg protocol.Message) {
	p.t.Helper()
	canonical, err := protocol.CanonicalBytes(msg)
	require.NoError(p.t, err)
	sig, err := p.signer.Sign(canonical)
	require.NoError(p.t, err)
	raw, err := protocol.EncodeSigned(msg, p.nextID, sig)
	require.NoError(p.t, err)
	p.nextID++
	require.NoError(p.t, p.tr.SendBytes(context.Background(), raw))
}

// expect reads frames until one of the wanted type arrives, verifying
// each against the key learned from the handshake.
func (p *wirePeer) expect(ctx context.Context, want protocol.Type) protocol.Envelope {
	p.t.Helper()
	for {
		raw, err := p.tr.ReceiveBytes(ctx)
		require.NoError(p.t, err)
		env, err := protocol.Decode(raw, frame.DefaultLimits())
		require.NoError(p.t, err)
		if p.peerPub != nil {
			ok, err := crypto.Verify(p.peerPub, env.CanonicalBytes(), env.Signature)
			require.NoError(p.t, err)
			require.True(p.t, ok, "frame signature must verify")
		}
		if env.Message.Type() == want {
			return env
		}
	}
}

// answerConnect serves the scripted half of a plain handshake.
func (p *wirePeer) answerConnect(ctx context.Context) {
	p.t.Helper()
	env := p.expect(ctx, protocol.TypeConnectRequest)
	req := env.Message.(*protocol.ConnectRequest)
	ok, err := crypto.Verify(req.ClientPubkey, env.CanonicalBytes(), env.Signature)
	require.NoError(p.t, err)
	require.True(p.t, ok, "connect request must be signed by the claimed key")
	p.peerPub = req.ClientPubkey
	p.send(&protocol.ConnectResponse{
		SessionID:    uuid.NewString(),
		ServerPubkey: p.signer.PublicKey(),
		StatusCode:   protocol.StatusOK,
	})
}

func dialScripted(t *testing.T, cfg Config) (*Session, *wirePeer) {
	t.Helper()
	log := testlog.Start(t)
	clientTr, peerTr := transport.NewMemoryPair()
	peer := newWirePeer(t, peerTr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go peer.answerConnect(ctx)

	signer, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	sess, err := Connect(ctx, clientTr, signer, testClientID, cfg, log)
	require.NoError(t, err)
	return sess, peer
}

// End-to-end resume: five sends, the peer acks three, the link drops, and
// resume replays exactly counters four and five in order.
func TestResumeReplaysExactlyUnacknowledged(t *testing.T) {
	sess, peer := dialScripted(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer sess.Close(ctx, "test over")

	for i := 1; i <= 5; i++ {
		require.NoError(t, sess.Send(ctx, []byte(fmt.Sprintf("m%d", i))))
	}
	for i := uint64(1); i <= 5; i++ {
		env := peer.expect(ctx, protocol.TypeGeneric)
		require.Equal(t, i, env.Message.(*protocol.Generic).Sequence)
	}
	require.Equal(t, 5, sess.CreditOutstanding())

	peer.send(&protocol.Ack{Sequence: 0, AckCounter: 3})
	waitFor(t, time.Second, "ack releases credit", func() bool {
		return sess.CreditOutstanding() == 2
	})

	peer.tr.Drop()
	require.NoError(t, peer.tr.Reconnect(ctx))
	env := peer.expect(ctx, protocol.TypeResumeRequest)
	req := env.Message.(*protocol.ResumeRequest)
	require.Equal(t, testClientID, req.ClientID)
	require.Equal(t, uint64(0), req.LastSequence) // peer sent us no data frames

	peer.send(&protocol.ResumeResponse{ResumeCounter: 3, StatusCode: protocol.StatusOK})

	replayed := peer.expect(ctx, protocol.TypeGeneric).Message.(*protocol.Generic)
	require.Equal(t, uint64(4), replayed.Sequence)
	require.Equal(t, []byte("m4"), replayed.Payload)
	replayed = peer.expect(ctx, protocol.TypeGeneric).Message.(*protocol.Generic)
	require.Equal(t, uint64(5), replayed.Sequence)
	require.Equal(t, []byte("m5"), replayed.Payload)

	// the very next frame continues the sequence: nothing extra was replayed
	waitFor(t, time.Second, "session re-established", func() bool {
		return sess.State() == StateEstablished
	})
	require.NoError(t, sess.Send(ctx, []byte("m6")))
	require.Equal(t, uint64(6), peer.expect(ctx, protocol.TypeGeneric).Message.(*protocol.Generic).Sequence)
}

func TestResumeRejectionIsTerminal(t *testing.T) {
	sess, peer := dialScripted(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sess.Send(ctx, []byte("m1")))
	peer.expect(ctx, protocol.TypeGeneric)

	peer.tr.Drop()
	require.NoError(t, peer.tr.Reconnect(ctx))
	peer.expect(ctx, protocol.TypeResumeRequest)
	peer.send(&protocol.ResumeResponse{
		StatusCode:   protocol.StatusResumeRejected,
		ErrorMessage: "window lost",
	})

	waitFor(t, 2*time.Second, "session failed", func() bool {
		return sess.State() == StateFailed
	})
	require.ErrorIs(t, sess.Err(), ErrResumeRejected)
	require.ErrorIs(t, sess.Send(ctx, []byte("m2")), ErrResumeRejected)
	_, err := sess.Receive(ctx)
	require.ErrorIs(t, err, ErrResumeRejected)
}

// Overflow policy: a send that would exceed the resume buffer fails the
// session rather than dropping unacknowledged data.
func TestResumeOverflowFailsSession(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeBufferCapacity = 3
	sess, peer := dialScripted(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		require.NoError(t, sess.Send(ctx, []byte(fmt.Sprintf("m%d", i))))
	}
	err := sess.Send(ctx, []byte("m4"))
	require.ErrorIs(t, err, ErrResumeOverflow)

	waitFor(t, 2*time.Second, "session failed", func() bool {
		return sess.State() == StateFailed
	})
	require.ErrorIs(t, sess.Err(), ErrResumeOverflow)
	_ = peer
}

// Heartbeat liveness: with interval I and multiple T and a peer that never
// acks, the session leaves Established within I*(1+T) plus scheduling
// slack, and eventually fails once resume attempts are exhausted.
func TestHeartbeatTimeoutLeavesEstablished(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeoutMultiple = 2
	cfg.ResumeTimeout = 100 * time.Millisecond
	sess, peer := dialScripted(t, cfg)
	_ = peer // scripted peer stays silent after the handshake

	start := time.Now()
	waitFor(t, 2*time.Second, "left established", func() bool {
		return sess.State() != StateEstablished
	})
	elapsed := time.Since(start)
	// probe by I, expiry at I*T past the probe, detection within a tick
	limit := cfg.HeartbeatInterval*time.Duration(1+cfg.HeartbeatTimeoutMultiple) + 100*time.Millisecond
	require.Less(t, elapsed, limit, "dead peer detected too late")

	waitFor(t, 2*time.Second, "session failed", func() bool {
		return sess.State() == StateFailed
	})
	require.ErrorIs(t, sess.Err(), ErrDisconnected)
}

func startAcceptor(t *testing.T, cfg Config, store KeyStore) (*transport.Memory, chan *Session, *crypto.SoftwareProvider) {
	t.Helper()
	log := testlog.Start(t)
	clientTr, serverTr := transport.NewMemoryPair()
	serverKey, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	acceptor := NewAcceptor(serverKey, store, NewEphemeralRegistrar(store), cfg, log)

	sessions := make(chan *Session, 1)
	go func() {
		sess, err := acceptor.Accept(context.Background(), serverTr)
		if err == nil {
			sessions <- sess
		} else {
			close(sessions)
		}
	}()
	return clientTr, sessions, serverKey
}

func TestEndToEndExchangeAndGracefulClose(t *testing.T) {
	log := testlog.Start(t)
	cfg := testConfig()
	clientTr, sessions, _ := startAcceptor(t, cfg, NewMemoryKeyStore())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientKey, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	client, err := Connect(ctx, clientTr, clientKey, testClientID, cfg, log)
	require.NoError(t, err)
	server := <-sessions
	require.NotNil(t, server)
	require.Equal(t, client.SessionID(), server.SessionID())

	for i := 1; i <= 3; i++ {
		require.NoError(t, client.Send(ctx, []byte(fmt.Sprintf("up%d", i))))
	}
	for i := 1; i <= 3; i++ {
		payload, err := server.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("up%d", i), string(payload))
	}

	require.NoError(t, server.Send(ctx, []byte("down1")))
	payload, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "down1", string(payload))

	require.NoError(t, client.Close(ctx, "done"))
	require.Equal(t, StateClosed, client.State())
	waitFor(t, 2*time.Second, "server closed", func() bool {
		return server.State() == StateClosed
	})

	require.ErrorIs(t, client.Send(ctx, []byte("late")), ErrClosed)
	_, err = server.Receive(ctx)
	require.ErrorIs(t, err, ErrClosed)
	// close is idempotent
	require.NoError(t, client.Close(ctx, "again"))
}

func TestEndToEndBatchDelivery(t *testing.T) {
	log := testlog.Start(t)
	cfg := testConfig()
	clientTr, sessions, _ := startAcceptor(t, cfg, NewMemoryKeyStore())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientKey, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	client, err := Connect(ctx, clientTr, clientKey, testClientID, cfg, log)
	require.NoError(t, err)
	server := <-sessions

	batch := [][]byte{[]byte("b1"), []byte("b2"), []byte("b3")}
	require.NoError(t, client.SendBatch(ctx, batch))
	require.Equal(t, uint64(3), client.LastSent())

	for _, want := range batch {
		payload, err := server.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, string(want), string(payload))
	}
	waitFor(t, time.Second, "batch acked", func() bool {
		return client.CreditOutstanding() == 0
	})

	// counters continue after the batch span
	require.NoError(t, client.Send(ctx, []byte("after")))
	require.Equal(t, uint64(4), client.LastSent())
	payload, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "after", string(payload))

	require.NoError(t, client.Close(ctx, "done"))
}

func TestEndToEndResumeAfterTransportDrop(t *testing.T) {
	log := testlog.Start(t)
	cfg := testConfig()
	clientTr, sessions, _ := startAcceptor(t, cfg, NewMemoryKeyStore())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientKey, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	client, err := Connect(ctx, clientTr, clientKey, testClientID, cfg, log)
	require.NoError(t, err)
	server := <-sessions

	received := make(chan string, 16)
	go func() {
		for {
			payload, err := server.Receive(ctx)
			if err != nil {
				close(received)
				return
			}
			received <- string(payload)
		}
	}()

	require.NoError(t, client.Send(ctx, []byte("m1")))
	require.NoError(t, client.Send(ctx, []byte("m2")))
	require.Equal(t, "m1", <-received)
	require.Equal(t, "m2", <-received)

	clientTr.Drop()
	require.NoError(t, client.Send(ctx, []byte("m3")))
	require.Equal(t, "m3", <-received)

	waitFor(t, 2*time.Second, "both re-established", func() bool {
		return client.State() == StateEstablished && server.State() == StateEstablished
	})
	require.NoError(t, client.Close(ctx, "done"))
}

func TestRegistrationFlowPersistsClientKey(t *testing.T) {
	log := testlog.Start(t)
	cfg := testConfig()
	cfg.Register = true
	store := NewMemoryKeyStore()
	clientTr, sessions, _ := startAcceptor(t, cfg, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientKey, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	client, err := Connect(ctx, clientTr, clientKey, testClientID, cfg, log)
	require.NoError(t, err)
	server := <-sessions
	require.NotNil(t, server)

	stored, ok := store.Lookup(testClientID)
	require.True(t, ok, "registration must persist the client key")
	require.Equal(t, clientKey.PublicKey(), stored)

	// the registered session is immediately usable
	require.NoError(t, client.Send(ctx, []byte("hello")))
	payload, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
	require.NoError(t, client.Close(ctx, "done"))
}

func TestHandshakeRejectsKeyMismatchForRegisteredClient(t *testing.T) {
	log := testlog.Start(t)
	cfg := testConfig()
	store := NewMemoryKeyStore()
	registered, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	require.NoError(t, store.Persist(testClientID, registered.PublicKey()))

	clientTr, sessions, _ := startAcceptor(t, cfg, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	impostor, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	_, err = Connect(ctx, clientTr, impostor, testClientID, cfg, log)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	_, ok := <-sessions
	require.False(t, ok, "acceptor must not mint a session")
}

// A resume claiming more than was ever sent is a protocol violation, not
// something to recover from.
func TestResumeAheadOfSenderIsProtocolViolation(t *testing.T) {
	cfg := testConfig()
	store := NewMemoryKeyStore()
	clientTr, sessions, _ := startAcceptor(t, cfg, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scripted := newWirePeer(t, clientTr)
	nonce, err := crypto.NewNonce(16) // minimum nonce length on the wire
	require.NoError(t, err)
	scripted.send(&protocol.ConnectRequest{
		ClientID:     testClientID,
		ClientPubkey: scripted.signer.PublicKey(),
		Nonce:        nonce,
	})
	env := scripted.expect(ctx, protocol.TypeConnectResponse)
	require.Equal(t, protocol.StatusOK, env.Message.(*protocol.ConnectResponse).StatusCode)
	server := <-sessions
	require.NotNil(t, server)

	clientTr.Drop()
	require.NoError(t, clientTr.Reconnect(ctx))
	scripted.send(&protocol.ResumeRequest{
		ClientID:     testClientID,
		Nonce:        nonce,
		LastSequence: 42, // the server never sent anything
	})

	waitFor(t, 2*time.Second, "server session failed", func() bool {
		return server.State() == StateFailed
	})
	require.ErrorIs(t, server.Err(), ErrProtocolViolation)
}

// Both sides send and receive at full tilt. Acks and data race for the
// wire in each direction, so counter snapshots must stay consistent with
// the data counters already written or a healthy session dies.
func TestConcurrentBidirectionalTraffic(t *testing.T) {
	log := testlog.Start(t)
	cfg := testConfig()
	cfg.WindowSize = 4 // force constant ack interleaving
	clientTr, sessions, _ := startAcceptor(t, cfg, NewMemoryKeyStore())
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clientKey, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	client, err := Connect(ctx, clientTr, clientKey, testClientID, cfg, log)
	require.NoError(t, err)
	server := <-sessions
	require.NotNil(t, server)

	const n = 80
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	sendAll := func(s *Session, tag string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := s.Send(ctx, []byte(fmt.Sprintf("%s-%d", tag, i))); err != nil {
				errs <- fmt.Errorf("%s send %d: %w", tag, i, err)
				return
			}
		}
	}
	recvAll := func(s *Session, tag string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if _, err := s.Receive(ctx); err != nil {
				errs <- fmt.Errorf("%s receive %d: %w", tag, i, err)
				return
			}
		}
	}
	wg.Add(4)
	go sendAll(client, "c")
	go sendAll(server, "s")
	go recvAll(client, "c")
	go recvAll(server, "s")
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, server.State())
	require.NoError(t, client.Err())
	require.NoError(t, server.Err())
	require.NoError(t, client.Close(ctx, "done"))
}

// Re-arming the read context must release the previous one; otherwise
// every received frame leaves a live child context on the session's run
// context for its whole lifetime.
func TestArmReadReleasesPriorReadContext(t *testing.T) {
	testlog.Start(t)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	s := &Session{runCtx: runCtx}

	first, _ := s.armRead()
	second, _ := s.armRead()
	require.ErrorIs(t, first.Err(), context.Canceled)
	require.NoError(t, second.Err())

	third, _ := s.armRead()
	require.ErrorIs(t, second.Err(), context.Canceled)
	require.NoError(t, third.Err())
}
