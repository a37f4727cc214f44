// Package session owns the CPOR connection lifecycle.
//
// Ownership boundary:
// - the session state machine (handshake, resume, steady state, close)
// - per-direction sequence counters and the replay guard
// - the bounded resume buffer and its overflow policy
// - credit-window flow control and heartbeat liveness
// - the pluggable registration sub-protocol
//
// A session is one logical unit of mutable state. One send path and one
// receive path operate against it concurrently; everything else reaches
// it through the exported accessors.
package session
