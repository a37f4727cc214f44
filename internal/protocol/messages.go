package protocol

import (
	"github.com/google/uuid"

	"github.com/danmuck/cpor/internal/protocol/tlv"
)

// Message is the closed sum of CPOR-2 wire messages. Each variant knows its
// canonical field order; the signature travels in the frame, not here.
type Message interface {
	Type() Type
	Validate() error
	canonicalFields() []tlv.Field
}

// ConnectRequest opens a new session, optionally asking to resume from a
// prior sequence counter or to run the registration sub-protocol.
type ConnectRequest struct {
	ClientID         string
	Timestamp        uint64 // optional, 0 when absent
	ClientPubkey     []byte
	ResumeCounter    uint64
	Nonce            []byte
	RegistrationFlag bool
	KeyStorage       string // optional, "software" or "tpm"
	ClientMetadata   []byte // optional, deterministic CBOR map
}

func (m *ConnectRequest) Type() Type { return TypeConnectRequest }

func (m *ConnectRequest) Validate() error {
	if _, err := uuid.Parse(m.ClientID); err != nil {
		return ValidationError{m.Type(), FieldClientID, "client_id must be a UUID"}
	}
	if len(m.ClientPubkey) != PubkeyLen {
		return ValidationError{m.Type(), FieldClientPubkey, "client_pubkey must be 32 bytes"}
	}
	if len(m.Nonce) < NonceMinLen || len(m.Nonce) > NonceMaxLen {
		return ValidationError{m.Type(), FieldNonce, "nonce must be 16-32 bytes"}
	}
	if m.KeyStorage != "" && m.KeyStorage != KeyStorageSoftware && m.KeyStorage != KeyStorageTPM {
		return ValidationError{m.Type(), FieldKeyStorage, "key_storage must be software or tpm"}
	}
	return nil
}

func (m *ConnectRequest) canonicalFields() []tlv.Field {
	fields := []tlv.Field{tlv.String(FieldClientID, m.ClientID)}
	if m.Timestamp != 0 {
		fields = append(fields, tlv.U64(FieldTimestamp, m.Timestamp))
	}
	fields = append(fields,
		tlv.Bytes(FieldClientPubkey, m.ClientPubkey),
		tlv.U64(FieldResumeCounter, m.ResumeCounter),
		tlv.Bytes(FieldNonce, m.Nonce),
		tlv.Bool(FieldRegistrationFlag, m.RegistrationFlag),
	)
	if m.KeyStorage != "" {
		fields = append(fields, tlv.String(FieldKeyStorage, m.KeyStorage))
	}
	if len(m.ClientMetadata) > 0 {
		fields = append(fields, tlv.Bytes(FieldClientMetadata, m.ClientMetadata))
	}
	return fields
}

// ConnectResponse answers a ConnectRequest. StatusOK establishes the
// session; EphemeralPubkey is present when the registration sub-protocol
// was requested.
type ConnectResponse struct {
	SessionID       string
	Timestamp       uint64 // optional
	ResumeCounter   uint64
	ServerPubkey    []byte
	StatusCode      uint32
	ErrorMessage    string // required when StatusCode != StatusOK
	EphemeralPubkey []byte // optional, 32 bytes when present
	MaxMessageSize  uint32 // optional, 0 when absent
}

func (m *ConnectResponse) Type() Type { return TypeConnectResponse }

func (m *ConnectResponse) Validate() error {
	if _, err := uuid.Parse(m.SessionID); err != nil {
		return ValidationError{m.Type(), FieldSessionID, "session_id must be a UUID"}
	}
	if len(m.ServerPubkey) != PubkeyLen {
		return ValidationError{m.Type(), FieldServerPubkey, "server_pubkey must be 32 bytes"}
	}
	if m.StatusCode != StatusOK && m.ErrorMessage == "" {
		return ValidationError{m.Type(), FieldErrorMessage, "error_message required for non-ok status"}
	}
	if len(m.EphemeralPubkey) != 0 && len(m.EphemeralPubkey) != PubkeyLen {
		return ValidationError{m.Type(), FieldEphemeralPubkey, "ephemeral_pubkey must be 32 bytes"}
	}
	return nil
}

func (m *ConnectResponse) canonicalFields() []tlv.Field {
	fields := []tlv.Field{tlv.String(FieldSessionID, m.SessionID)}
	if m.Timestamp != 0 {
		fields = append(fields, tlv.U64(FieldTimestamp, m.Timestamp))
	}
	fields = append(fields,
		tlv.U64(FieldResumeCounter, m.ResumeCounter),
		tlv.Bytes(FieldServerPubkey, m.ServerPubkey),
		tlv.U32(FieldStatusCode, m.StatusCode),
	)
	if m.ErrorMessage != "" {
		fields = append(fields, tlv.String(FieldErrorMessage, m.ErrorMessage))
	}
	if len(m.EphemeralPubkey) > 0 {
		fields = append(fields, tlv.Bytes(FieldEphemeralPubkey, m.EphemeralPubkey))
	}
	if m.MaxMessageSize != 0 {
		fields = append(fields, tlv.U32(FieldMaxMessageSize, m.MaxMessageSize))
	}
	return fields
}

// Generic carries one opaque application payload at one sequence counter.
type Generic struct {
	Sequence uint64
	Payload  []byte
}

func (m *Generic) Type() Type { return TypeGeneric }

func (m *Generic) Validate() error {
	if m.Sequence == 0 {
		return ValidationError{m.Type(), FieldSequence, "sequence_counter must be positive"}
	}
	return nil
}

func (m *Generic) canonicalFields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(FieldSequence, m.Sequence),
		tlv.Bytes(FieldPayload, m.Payload),
	}
}

// ResumeRequest asks the peer to resume a broken session from the last
// counter this side received.
type ResumeRequest struct {
	ClientID     string
	Nonce        []byte
	LastSequence uint64
}

func (m *ResumeRequest) Type() Type { return TypeResumeRequest }

func (m *ResumeRequest) Validate() error {
	if _, err := uuid.Parse(m.ClientID); err != nil {
		return ValidationError{m.Type(), FieldClientID, "client_id must be a UUID"}
	}
	if len(m.Nonce) < NonceMinLen || len(m.Nonce) > NonceMaxLen {
		return ValidationError{m.Type(), FieldNonce, "nonce must be 16-32 bytes"}
	}
	return nil
}

func (m *ResumeRequest) canonicalFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldClientID, m.ClientID),
		tlv.Bytes(FieldNonce, m.Nonce),
		tlv.U64(FieldLastSequence, m.LastSequence),
	}
}

// ResumeResponse accepts or rejects a resume. ResumeCounter reports the
// responder's last received counter so the requester can replay past it.
type ResumeResponse struct {
	ResumeCounter uint64
	StatusCode    uint32
	ErrorMessage  string // required when StatusCode != StatusOK
}

func (m *ResumeResponse) Type() Type { return TypeResumeResponse }

func (m *ResumeResponse) Validate() error {
	if m.StatusCode != StatusOK && m.ErrorMessage == "" {
		return ValidationError{m.Type(), FieldErrorMessage, "error_message required for non-ok status"}
	}
	return nil
}

func (m *ResumeResponse) canonicalFields() []tlv.Field {
	fields := []tlv.Field{
		tlv.U64(FieldResumeCounter, m.ResumeCounter),
		tlv.U32(FieldStatusCode, m.StatusCode),
	}
	if m.ErrorMessage != "" {
		fields = append(fields, tlv.String(FieldErrorMessage, m.ErrorMessage))
	}
	return fields
}

// Batch carries several opaque payloads under one signature. Sequence is
// the counter of the first payload; each payload consumes one counter, so
// the batch spans [Sequence, Sequence+len(Payloads)-1].
type Batch struct {
	Sequence uint64
	Payloads [][]byte
}

func (m *Batch) Type() Type { return TypeBatch }

func (m *Batch) Validate() error {
	if m.Sequence == 0 {
		return ValidationError{m.Type(), FieldSequence, "sequence_counter must be positive"}
	}
	if len(m.Payloads) == 0 {
		return ValidationError{m.Type(), FieldMessages, "batch must not be empty"}
	}
	return nil
}

func (m *Batch) canonicalFields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(FieldSequence, m.Sequence),
		tlv.Bytes(FieldMessages, packPayloads(m.Payloads)),
	}
}

// Heartbeat is a liveness probe sent during idle periods. Probe is an
// opaque freshness marker; the receiver echoes liveness through an Ack and
// never interprets it as a clock.
type Heartbeat struct {
	Sequence uint64
	Probe    uint64
}

func (m *Heartbeat) Type() Type { return TypeHeartbeat }

func (m *Heartbeat) Validate() error { return nil }

func (m *Heartbeat) canonicalFields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(FieldSequence, m.Sequence),
		tlv.U64(FieldProbe, m.Probe),
	}
}

// Close starts the graceful half-close handshake. FinalCounter is the
// sender's highest assigned sequence counter; the receiver must have seen
// everything up to it before acking.
type Close struct {
	Sequence     uint64
	Reason       string
	FinalCounter uint64
}

func (m *Close) Type() Type { return TypeClose }

func (m *Close) Validate() error {
	if m.Reason == "" {
		return ValidationError{m.Type(), FieldReason, "reason must not be empty"}
	}
	return nil
}

func (m *Close) canonicalFields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(FieldSequence, m.Sequence),
		tlv.String(FieldReason, m.Reason),
		tlv.U64(FieldFinalCounter, m.FinalCounter),
	}
}

// Ack acknowledges every counter up to and including AckCounter in the
// opposite direction. Sequence snapshots the sender's own send counter.
type Ack struct {
	Sequence   uint64
	AckCounter uint64
}

func (m *Ack) Type() Type { return TypeAck }

func (m *Ack) Validate() error { return nil }

func (m *Ack) canonicalFields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(FieldSequence, m.Sequence),
		tlv.U64(FieldAckCounter, m.AckCounter),
	}
}

// ErrorMessage reports a protocol-level failure. Details, when present, is
// a deterministic CBOR map of error context.
type ErrorMessage struct {
	ErrorMessage string
	ErrorCode    uint32
	Details      []byte // optional CBOR map
}

func (m *ErrorMessage) Type() Type { return TypeError }

func (m *ErrorMessage) Validate() error {
	if m.ErrorMessage == "" {
		return ValidationError{m.Type(), FieldErrorMessage, "error_message must not be empty"}
	}
	return nil
}

func (m *ErrorMessage) canonicalFields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(FieldErrorMessage, m.ErrorMessage),
		tlv.U32(FieldErrorCode, m.ErrorCode),
	}
	if len(m.Details) > 0 {
		fields = append(fields, tlv.Bytes(FieldErrorDetails, m.Details))
	}
	return fields
}
