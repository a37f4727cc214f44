// Package protocol owns the CPOR-2 wire contract and parsing primitives.
//
// Ownership boundary:
// - frame/header primitives
// - tlv payload primitives
// - the closed message sum and per-variant schemas
// - canonical-bytes derivation for signing and verification
package protocol
