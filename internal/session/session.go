package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/cpor/internal/crypto"
	"github.com/danmuck/cpor/internal/protocol"
	"github.com/danmuck/cpor/internal/transport"
)

// Role marks which half of the handshake created the session. The steady
// state is symmetric; the roles differ only in how a broken transport is
// repaired.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Session is one established CPOR connection. All mutable protocol state
// (counters, buffer, credit, lifecycle) lives here; exactly one read loop
// and any number of serialized senders operate against it.
type Session struct {
	cfg    Config
	log    zerolog.Logger
	signer crypto.Provider
	role   Role

	clientID  string
	sessionID string
	peerPub   []byte

	sendSeq *SequenceCounter
	guard   *ReplayGuard
	credit  *CreditWindow
	buffer  *ResumeBuffer
	hb      *HeartbeatState

	mu         sync.Mutex
	state      State
	stateCh    chan struct{}
	tr         transport.Transport
	failure    error
	readCancel context.CancelFunc
	hbExpired  bool

	msgID atomic.Uint64
	// sendMu serializes counter assignment through the transport write,
	// and every control frame captures its counter snapshot under it.
	// Without that a concurrent Send could put a higher data counter on
	// the wire first and the snapshot would arrive stale.
	sendMu  sync.Mutex
	writeMu sync.Mutex // serializes raw frame writes

	recv       chan []byte
	done       chan struct{}
	closeAcked chan struct{}
	closeOnce  sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// newSession wires an established session and starts its read and
// heartbeat loops. Both handshake halves call it once their ConnectRequest
// and ConnectResponse exchange has verified.
func newSession(role Role, clientID, sessionID string, peerPub []byte,
	tr transport.Transport, signer crypto.Provider, cfg Config, log zerolog.Logger) *Session {

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:    cfg,
		signer: signer,
		role:   role,
		log: log.With().
			Str("role", role.String()).
			Str("session_id", sessionID).
			Logger(),
		clientID:  clientID,
		sessionID: sessionID,
		peerPub:   append([]byte(nil), peerPub...),
		sendSeq:   &SequenceCounter{},
		guard:     &ReplayGuard{},
		credit:    NewCreditWindow(cfg.WindowSize),
		buffer:    NewResumeBuffer(cfg.ResumeBufferCapacity),
		hb:        NewHeartbeatState(cfg.HeartbeatInterval, cfg.HeartbeatTimeoutMultiple, time.Now()),

		state:      StateEstablished,
		stateCh:    make(chan struct{}),
		tr:         tr,
		recv:       make(chan []byte, cfg.WindowSize),
		done:       make(chan struct{}),
		closeAcked: make(chan struct{}),
		runCtx:     runCtx,
		runCancel:  runCancel,
	}
	s.msgID.Store(10) // ids 1..9 belong to the handshake exchange

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal failure, nil while the session is live or after
// a graceful close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) SessionID() string { return s.sessionID }
func (s *Session) ClientID() string  { return s.clientID }

// PeerPublicKey returns the key every inbound frame must verify under.
func (s *Session) PeerPublicKey() []byte {
	return append([]byte(nil), s.peerPub...)
}

// CreditAvailable reports how many sends would currently proceed without
// blocking.
func (s *Session) CreditAvailable() int { return s.credit.Available() }

// CreditOutstanding reports the unacknowledged in-flight message count.
func (s *Session) CreditOutstanding() int { return s.credit.Outstanding() }

// LastSent returns the highest sequence counter assigned to an outbound
// message.
func (s *Session) LastSent() uint64 { return s.sendSeq.Last() }

// LastReceived returns the highest peer counter accepted by the replay
// guard.
func (s *Session) LastReceived() uint64 { return s.guard.Last() }

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send delivers one opaque payload to the peer. It blocks while the
// session is resuming and while the credit window is exhausted; ctx bounds
// both waits. Once the message is signed and retained for replay, delivery
// is the session's responsibility: a transport drop afterwards resolves
// through resume, not through an error here.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if err := s.awaitEstablished(ctx); err != nil {
		return err
	}
	if err := s.credit.Acquire(ctx); err != nil {
		return fmt.Errorf("session: credit wait: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq, err := s.sendSeq.Next()
	if err != nil {
		s.credit.Release(1)
		s.fail(err)
		return err
	}
	raw, err := s.signAndEncode(&protocol.Generic{Sequence: seq, Payload: payload})
	if err != nil {
		s.sendSeq.Rollback(1)
		s.credit.Release(1)
		return err
	}
	return s.commitSend(ctx, BufferEntry{Sequence: seq, Span: 1, Frame: raw, EnqueuedAt: time.Now()})
}

// SendBatch delivers several payloads under one signature. Each payload
// consumes one sequence counter, one credit, and one resume-buffer slot.
func (s *Session) SendBatch(ctx context.Context, payloads [][]byte) error {
	n := len(payloads)
	if n == 0 {
		return errors.New("session: empty batch")
	}
	if err := s.awaitEstablished(ctx); err != nil {
		return err
	}
	if err := s.credit.AcquireN(ctx, n); err != nil {
		return fmt.Errorf("session: credit wait: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	first, err := s.sendSeq.NextN(n)
	if err != nil {
		s.credit.Release(n)
		s.fail(err)
		return err
	}
	raw, err := s.signAndEncode(&protocol.Batch{Sequence: first, Payloads: payloads})
	if err != nil {
		s.sendSeq.Rollback(n)
		s.credit.Release(n)
		return err
	}
	return s.commitSend(ctx, BufferEntry{Sequence: first, Span: n, Frame: raw, EnqueuedAt: time.Now()})
}

// commitSend retains a signed frame for replay and puts it on the wire.
// Past the buffer append the message belongs to the session: write
// failures surface through the read loop's resume, never to the sender.
func (s *Session) commitSend(ctx context.Context, e BufferEntry) error {
	if err := s.buffer.Append(e); err != nil {
		s.credit.Release(e.Span)
		if errors.Is(err, ErrResumeOverflow) {
			s.fail(err)
		}
		return err
	}
	if err := s.writeFrame(ctx, e.Frame); err != nil {
		s.log.Debug().Uint64("seq", e.Sequence).Err(err).
			Msg("send hit a dead transport, frame retained for replay")
		return nil
	}
	s.hb.MarkTraffic(time.Now())
	return nil
}

// Receive returns the next verified, in-order payload from the peer. It
// drains buffered payloads even after the session ends; once the stream is
// empty it reports ErrClosed after a graceful close or the terminal
// failure otherwise.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-s.recv:
		if !ok {
			return nil, s.terminalErr()
		}
		return p, nil
	default:
	}
	select {
	case p, ok := <-s.recv:
		if !ok {
			return nil, s.terminalErr()
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close runs the graceful half-close handshake: send Close carrying the
// final assigned counter, wait for the peer's acknowledgment (bounded by
// CloseTimeout), then tear down. It is idempotent.
func (s *Session) Close(ctx context.Context, reason string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateFailed:
		err := s.failure
		s.mu.Unlock()
		return err
	case StateClosing:
		s.mu.Unlock()
		return s.awaitClosed(ctx)
	}
	if err := s.transitionLocked(StateClosing); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	final := s.sendSeq.Last()
	raw, err := s.signAndEncode(&protocol.Close{Sequence: final, Reason: reason, FinalCounter: final})
	if err == nil {
		err = s.writeFrame(ctx, raw)
	}
	s.sendMu.Unlock()
	if err != nil {
		s.log.Debug().Err(err).Msg("close notification failed, tearing down anyway")
		s.shutdown(StateClosed, nil)
		return nil
	}

	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-s.closeAcked:
	case <-s.done:
	case <-timer.C:
		s.log.Debug().Msg("close acknowledgment timed out")
	case <-ctx.Done():
		s.shutdown(StateClosed, nil)
		return ctx.Err()
	}
	s.shutdown(StateClosed, nil)
	return nil
}

func (s *Session) awaitClosed(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop is the session's single reader. It verifies and dispatches
// every inbound frame, and owns recovery when the transport drops.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.recv)
	for {
		rctx, tr := s.armRead()
		raw, err := tr.ReceiveBytes(rctx)
		if err != nil {
			if s.runCtx.Err() != nil {
				return
			}
			if s.transport() != tr {
				// a fresh transport was attached mid-read
				continue
			}
			expired := s.takeHeartbeatExpired()
			if expired || errors.Is(err, transport.ErrDisconnected) {
				if expired {
					s.log.Warn().Msg("heartbeat timed out, peer presumed dead")
				}
				if !s.beginResume() {
					return
				}
				if rerr := s.recover(); rerr != nil {
					s.fail(rerr)
					return
				}
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				s.shutdown(StateClosed, nil)
				return
			}
			s.fail(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		if err := s.handleFrame(raw); err != nil {
			s.fail(err)
			return
		}
		if s.State().Terminal() {
			return
		}
	}
}

// armRead snapshots the current transport and a cancelable read context so
// the heartbeat loop can interrupt a blocked receive. The previous read
// context is canceled here so finished reads do not pile up as live
// children of runCtx.
func (s *Session) armRead() (context.Context, transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readCancel != nil {
		s.readCancel()
	}
	rctx, cancel := context.WithCancel(s.runCtx)
	s.readCancel = cancel
	return rctx, s.tr
}

func (s *Session) interruptRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hbExpired = true
	if s.readCancel != nil {
		s.readCancel()
	}
}

func (s *Session) takeHeartbeatExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.hbExpired
	s.hbExpired = false
	return v
}

// handleFrame verifies and dispatches one inbound frame. Decode and
// signature failures are frame-local: log and drop. A non-nil return is
// fatal to the session.
func (s *Session) handleFrame(raw []byte) error {
	env, err := protocol.Decode(raw, s.cfg.Limits)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping undecodable frame")
		return nil
	}
	ok, err := crypto.Verify(s.peerPub, env.CanonicalBytes(), env.Signature)
	if err != nil || !ok {
		s.log.Warn().Str("type", env.Message.Type().String()).
			Msg("dropping frame with invalid signature")
		return nil
	}

	now := time.Now()
	switch msg := env.Message.(type) {
	case *protocol.Generic:
		if err := s.guard.AcceptNext(msg.Sequence, 1); err != nil {
			return err
		}
		s.hb.MarkTraffic(now)
		s.sendAck(msg.Sequence)
		return s.deliver(msg.Payload)

	case *protocol.Batch:
		span := len(msg.Payloads)
		if err := s.guard.AcceptNext(msg.Sequence, span); err != nil {
			return err
		}
		s.hb.MarkTraffic(now)
		s.sendAck(msg.Sequence + uint64(span) - 1)
		for _, p := range msg.Payloads {
			if err := s.deliver(p); err != nil {
				return err
			}
		}
		return nil

	case *protocol.Heartbeat:
		if err := s.guard.CheckSnapshot(msg.Sequence); err != nil {
			return err
		}
		s.hb.MarkTraffic(now)
		s.sendAck(s.guard.Last())
		return nil

	case *protocol.Ack:
		if err := s.guard.CheckSnapshot(msg.Sequence); err != nil {
			return err
		}
		if msg.AckCounter > s.sendSeq.Last() {
			return fmt.Errorf("%w: peer acked %d but only %d were sent",
				ErrProtocolViolation, msg.AckCounter, s.sendSeq.Last())
		}
		if released := s.buffer.AckThrough(msg.AckCounter); released > 0 {
			s.credit.Release(released)
		}
		s.hb.MarkTraffic(now)
		if s.State() == StateClosing {
			s.closeOnce.Do(func() { close(s.closeAcked) })
		}
		return nil

	case *protocol.Close:
		if err := s.guard.CheckSnapshot(msg.Sequence); err != nil {
			return err
		}
		if msg.FinalCounter != s.guard.Last() {
			return fmt.Errorf("%w: peer closed at final counter %d but %d was accepted",
				ErrProtocolViolation, msg.FinalCounter, s.guard.Last())
		}
		s.log.Debug().Str("reason", msg.Reason).Msg("peer requested close")
		s.sendAck(s.guard.Last())
		s.shutdown(StateClosed, nil)
		return nil

	case *protocol.ErrorMessage:
		return fmt.Errorf("%w: code %d: %s", ErrPeerFault, msg.ErrorCode, msg.ErrorMessage)

	default:
		return fmt.Errorf("%w: unexpected %s while %s",
			ErrProtocolViolation, env.Message.Type(), s.State())
	}
}

// deliver hands one payload to the Receive stream, blocking until the
// caller consumes it. A full stream stalls the read loop, which stalls our
// acks, which exhausts the peer's credit window: backpressure end to end.
func (s *Session) deliver(payload []byte) error {
	select {
	case s.recv <- payload:
		return nil
	case <-s.runCtx.Done():
		return nil
	}
}

// sendAck acknowledges every peer counter through counter. Acks carry a
// snapshot of our own send counter, consume no credit, and are never
// buffered; a write failure here resolves through the next receive error.
func (s *Session) sendAck(counter uint64) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	msg := &protocol.Ack{Sequence: s.sendSeq.Last(), AckCounter: counter}
	raw, err := s.signAndEncode(msg)
	if err == nil {
		err = s.writeFrame(s.runCtx, raw)
	}
	if err != nil {
		s.log.Debug().Uint64("ack", counter).Err(err).Msg("ack not sent")
	}
}

// heartbeatLoop probes the peer during idle periods and declares it dead
// when a probe stands unanswered past interval*multiple.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	tick := s.cfg.HeartbeatInterval / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		var now time.Time
		select {
		case <-s.runCtx.Done():
			return
		case now = <-ticker.C:
		}
		if s.State() != StateEstablished {
			continue
		}
		if s.hb.Expired(now) {
			s.interruptRead()
			continue
		}
		if !s.hb.ShouldProbe(now) {
			continue
		}
		s.sendMu.Lock()
		msg := &protocol.Heartbeat{Sequence: s.sendSeq.Last(), Probe: uint64(now.UnixNano())}
		raw, err := s.signAndEncode(msg)
		if err == nil && s.writeFrame(s.runCtx, raw) == nil {
			s.hb.ProbeSent(now)
		}
		s.sendMu.Unlock()
	}
}

// beginResume moves Established -> Resuming. It reports false when the
// session is past the point of resuming and the read loop should exit.
func (s *Session) beginResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateResuming:
		return true
	case StateEstablished:
		s.state = StateResuming
		s.wakeLocked()
		return true
	default:
		return false
	}
}

// recover repairs a broken transport and re-synchronizes with the peer.
// The client drives: reconnect, send ResumeRequest, await the response,
// replay. The server answers: reconnect (or wait for the acceptor to
// attach a fresh connection) and serve the peer's ResumeRequest.
func (s *Session) recover() error {
	if s.role == RoleClient {
		return s.recoverClient()
	}
	return s.recoverServer()
}

func (s *Session) recoverClient() error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxResumeAttempts; attempt++ {
		if attempt > 1 {
			delay := transport.NextBackoffDelay(s.cfg.Backoff, attempt-1, nil)
			select {
			case <-time.After(delay):
			case <-s.runCtx.Done():
				return ErrClosed
			}
		}
		s.log.Debug().Int("attempt", attempt).Msg("resume attempt")
		if err := s.tr.Reconnect(s.runCtx); err != nil {
			if errors.Is(err, transport.ErrClosed) || s.runCtx.Err() != nil {
				return ErrClosed
			}
			lastErr = err
			continue
		}
		err := s.requestResume()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, transport.ErrDisconnected), errors.Is(err, context.DeadlineExceeded):
			lastErr = err
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("%w: resume attempts exhausted: %v", ErrDisconnected, lastErr)
}

// requestResume runs one client resume exchange on a freshly reconnected
// transport.
func (s *Session) requestResume() error {
	nonce, err := crypto.NewNonce(protocol.NonceMaxLen)
	if err != nil {
		return err
	}
	req := &protocol.ResumeRequest{
		ClientID:     s.clientID,
		Nonce:        nonce,
		LastSequence: s.guard.Last(),
	}
	raw, err := s.signAndEncode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ResumeTimeout)
	defer cancel()
	if err := s.writeFrame(ctx, raw); err != nil {
		return err
	}

	for {
		in, err := s.tr.ReceiveBytes(ctx)
		if err != nil {
			return err
		}
		env, err := protocol.Decode(in, s.cfg.Limits)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable frame during resume")
			continue
		}
		ok, err := crypto.Verify(s.peerPub, env.CanonicalBytes(), env.Signature)
		if err != nil || !ok {
			s.log.Warn().Msg("dropping unverified frame during resume")
			continue
		}
		resp, isResp := env.Message.(*protocol.ResumeResponse)
		if !isResp {
			s.log.Debug().Str("type", env.Message.Type().String()).
				Msg("ignoring frame while awaiting resume response")
			continue
		}
		return s.completeResume(resp)
	}
}

// completeResume applies a verified ResumeResponse: replay everything the
// peer has not acknowledged, then rejoin the steady state.
func (s *Session) completeResume(resp *protocol.ResumeResponse) error {
	if resp.StatusCode != protocol.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrResumeRejected, resp.StatusCode, resp.ErrorMessage)
	}
	if resp.ResumeCounter > s.sendSeq.Last() {
		return fmt.Errorf("%w: peer claims counter %d but only %d were sent",
			ErrProtocolViolation, resp.ResumeCounter, s.sendSeq.Last())
	}
	entries, err := s.buffer.ReplayAfter(resp.ResumeCounter)
	if err != nil {
		return err
	}
	if released := s.buffer.AckThrough(resp.ResumeCounter); released > 0 {
		s.credit.Release(released)
	}
	for _, e := range entries {
		if err := s.writeFrame(s.runCtx, e.Frame); err != nil {
			return err
		}
	}
	s.log.Info().Uint64("peer_counter", resp.ResumeCounter).
		Int("replayed", len(entries)).Msg("session resumed")
	return s.rejoin()
}

func (s *Session) recoverServer() error {
	err := s.tr.Reconnect(s.runCtx)
	if errors.Is(err, transport.ErrNoReconnect) {
		return s.awaitAttach()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	ctx, cancel := context.WithTimeout(s.runCtx,
		s.cfg.ResumeTimeout*time.Duration(s.cfg.MaxResumeAttempts))
	defer cancel()
	for {
		in, err := s.tr.ReceiveBytes(ctx)
		if err != nil {
			return fmt.Errorf("%w: no resume request arrived: %v", ErrDisconnected, err)
		}
		env, err := protocol.Decode(in, s.cfg.Limits)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping undecodable frame during resume")
			continue
		}
		ok, err := crypto.Verify(s.peerPub, env.CanonicalBytes(), env.Signature)
		if err != nil || !ok {
			s.log.Warn().Msg("dropping unverified frame during resume")
			continue
		}
		req, isReq := env.Message.(*protocol.ResumeRequest)
		if !isReq {
			s.log.Debug().Str("type", env.Message.Type().String()).
				Msg("ignoring frame while awaiting resume request")
			continue
		}
		return s.serveResume(req)
	}
}

// awaitAttach parks a server session whose connection cannot redial until
// the acceptor attaches a replacement, bounded by the full resume window.
func (s *Session) awaitAttach() error {
	deadline := time.NewTimer(s.cfg.ResumeTimeout * time.Duration(s.cfg.MaxResumeAttempts))
	defer deadline.Stop()
	for {
		s.mu.Lock()
		st, ch := s.state, s.stateCh
		s.mu.Unlock()
		switch st {
		case StateEstablished:
			return nil
		case StateFailed:
			return s.terminalErr()
		case StateClosing, StateClosed:
			return ErrClosed
		}
		select {
		case <-ch:
		case <-deadline.C:
			return fmt.Errorf("%w: peer never resumed", ErrDisconnected)
		case <-s.runCtx.Done():
			return ErrClosed
		}
	}
}

// serveResume answers a verified ResumeRequest: validate the peer's
// claimed counter, report our own last-received counter, and replay our
// unacknowledged sends past what the peer has.
func (s *Session) serveResume(req *protocol.ResumeRequest) error {
	if req.ClientID != s.clientID {
		return fmt.Errorf("%w: resume for foreign client %s", ErrProtocolViolation, req.ClientID)
	}
	if req.LastSequence > s.sendSeq.Last() {
		s.rejectResume(protocol.StatusResumeRejected, "claimed counter exceeds anything sent")
		return fmt.Errorf("%w: peer claims counter %d but only %d were sent",
			ErrProtocolViolation, req.LastSequence, s.sendSeq.Last())
	}
	entries, err := s.buffer.ReplayAfter(req.LastSequence)
	if err != nil {
		s.rejectResume(protocol.StatusResumeRejected, "resume window no longer covers requested counter")
		return err
	}
	if released := s.buffer.AckThrough(req.LastSequence); released > 0 {
		s.credit.Release(released)
	}

	resp := &protocol.ResumeResponse{ResumeCounter: s.guard.Last(), StatusCode: protocol.StatusOK}
	raw, err := s.signAndEncode(resp)
	if err != nil {
		return err
	}
	if err := s.writeFrame(s.runCtx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	for _, e := range entries {
		if err := s.writeFrame(s.runCtx, e.Frame); err != nil {
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
	}
	s.log.Info().Uint64("peer_counter", req.LastSequence).
		Int("replayed", len(entries)).Msg("session resumed")
	return s.rejoin()
}

// rejectResume best-effort tells the peer its resume was refused before
// the session fails.
func (s *Session) rejectResume(status uint32, reason string) {
	resp := &protocol.ResumeResponse{StatusCode: status, ErrorMessage: reason}
	raw, err := s.signAndEncode(resp)
	if err == nil {
		_ = s.writeFrame(s.runCtx, raw)
	}
}

// rejoin returns a resuming session to the steady state.
func (s *Session) rejoin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateResuming {
		if s.state.Terminal() {
			return ErrClosed
		}
		return nil
	}
	if err := s.transitionLocked(StateEstablished); err != nil {
		return err
	}
	s.hb.Reset(time.Now())
	return nil
}

// attach gives a parked server session a replacement transport carrying a
// verified ResumeRequest. The acceptor calls it from its own goroutine;
// frame writes stay safe under writeMu.
func (s *Session) attach(tr transport.Transport, req *protocol.ResumeRequest) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateEstablished {
		// the session has not noticed the drop yet
		s.state = StateResuming
	}
	old := s.tr
	s.tr = tr
	s.wakeLocked()
	s.mu.Unlock()
	if old != nil && old != tr {
		_ = old.Close()
	}
	if err := s.serveResume(req); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// awaitEstablished blocks until the session is established, so sends
// issued while a resume is in flight queue instead of failing.
func (s *Session) awaitEstablished(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, ch := s.state, s.stateCh
		s.mu.Unlock()
		switch st {
		case StateEstablished:
			return nil
		case StateClosing, StateClosed:
			return ErrClosed
		case StateFailed:
			return s.terminalErr()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	return ErrClosed
}

func (s *Session) transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

func (s *Session) signAndEncode(msg protocol.Message) ([]byte, error) {
	canonical, err := protocol.CanonicalBytes(msg)
	if err != nil {
		return nil, err
	}
	sig, err := s.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("session: signing failed: %w", err)
	}
	return protocol.EncodeSigned(msg, s.msgID.Add(1), sig)
}

func (s *Session) writeFrame(ctx context.Context, raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport().SendBytes(ctx, raw)
}

func (s *Session) transitionLocked(to State) error {
	if !validTransition(s.state, to) {
		return fmt.Errorf("%w: invalid transition %s -> %s", ErrProtocolViolation, s.state, to)
	}
	s.state = to
	s.wakeLocked()
	return nil
}

func (s *Session) wakeLocked() {
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

// fail terminates the session with a typed error, telling the peer why
// when the transport still works.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.log.Warn().Err(err).Msg("session failed")
	s.notifyPeerFault(err)
	s.shutdown(StateFailed, err)
}

func (s *Session) notifyPeerFault(cause error) {
	code := protocol.ErrCodeInternal
	switch {
	case errors.Is(cause, ErrProtocolViolation):
		code = protocol.ErrCodeProtocolViolation
	case errors.Is(cause, ErrResumeOverflow):
		code = protocol.ErrCodeResumeOverflow
	}
	msg := &protocol.ErrorMessage{ErrorCode: code, ErrorMessage: cause.Error()}
	raw, err := s.signAndEncode(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.writeFrame(ctx, raw)
}

// shutdown is the single teardown authority. The first caller sets the
// terminal state; everyone else returns.
func (s *Session) shutdown(final State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	s.failure = err
	s.wakeLocked()
	tr := s.tr
	s.mu.Unlock()

	close(s.done)
	s.runCancel()
	if tr != nil {
		_ = tr.Close()
	}
}
