package session

import "errors"

var (
	// ErrProtocolViolation is fatal to the session: duplicate or reordered
	// sequence counters, invalid state transitions, a peer claiming more
	// than was ever sent.
	ErrProtocolViolation = errors.New("session: protocol violation")

	// ErrResumeOverflow is fatal: the resume buffer exceeded capacity or a
	// resume gap cannot be replayed. The caller must start a fresh session.
	ErrResumeOverflow = errors.New("session: resume buffer overflow")

	// ErrResumeRejected reports a peer refusing to resume.
	ErrResumeRejected = errors.New("session: resume rejected")

	// ErrVerification reports a frame whose signature did not verify. It is
	// handled at frame level and never terminates the session by itself.
	ErrVerification = errors.New("session: signature verification failed")

	// ErrHeartbeatTimeout marks a peer presumed dead; it drives a resume
	// attempt, not immediate failure.
	ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")

	// ErrPeerFault reports a signed Error message from the peer; the peer
	// has already torn the session down on its side.
	ErrPeerFault = errors.New("session: peer reported a protocol error")

	ErrRegistrationFailed = errors.New("session: registration failed")
	ErrHandshakeFailed    = errors.New("session: handshake failed")
	ErrClosed             = errors.New("session: closed")
	ErrCounterExhausted   = errors.New("session: sequence counter exhausted")
	ErrDisconnected       = errors.New("session: disconnected")
)
