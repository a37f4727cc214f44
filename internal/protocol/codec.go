package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/cpor/internal/protocol/frame"
	"github.com/danmuck/cpor/internal/protocol/tlv"
)

// Envelope is one decoded wire message together with its detached
// signature and the exact canonical bytes the signature covers.
type Envelope struct {
	MessageID uint64
	Message   Message
	Signature []byte
	canonical []byte
}

// CanonicalBytes returns the signed view of the payload exactly as it
// appeared on the wire. Verifiers must use this, never a re-encoding.
func (e Envelope) CanonicalBytes() []byte { return e.canonical }

// CanonicalBytes derives the deterministic signable encoding of msg: its
// non-signature fields in ascending field-id order.
func CanonicalBytes(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return tlv.EncodeCanonical(msg.canonicalFields())
}

// EncodeSigned produces the full wire frame for msg with a detached
// signature over its canonical bytes.
func EncodeSigned(msg Message, messageID uint64, signature []byte) ([]byte, error) {
	if len(signature) != frame.SignatureLen {
		return nil, ErrSignatureLength
	}
	canonical, err := CanonicalBytes(msg)
	if err != nil {
		return nil, err
	}
	var flags uint32
	switch msg.Type() {
	case TypeConnectResponse, TypeResumeResponse, TypeAck:
		flags |= frame.FlagResponse
	case TypeError:
		flags |= frame.FlagError
	}
	var buf bytes.Buffer
	err = frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: uint32(msg.Type()),
			Flags:       flags,
		},
		Signature: signature,
		Payload:   canonical,
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses one frame into an Envelope. All failures wrap ErrDecode;
// attacker-controlled input never panics.
func Decode(raw []byte, limits frame.Limits) (Envelope, error) {
	fr, err := frame.ReadFrame(bytes.NewReader(raw), limits)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return DecodeFrame(fr)
}

// DecodeFrame parses an already-read frame into an Envelope.
func DecodeFrame(fr frame.Frame) (Envelope, error) {
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	msg, err := messageFromFields(Type(fr.Header.MessageType), fields)
	if err != nil {
		return Envelope{}, err
	}
	if err := msg.Validate(); err != nil {
		return Envelope{}, err
	}

	canonical := make([]byte, len(fr.Payload))
	copy(canonical, fr.Payload)
	return Envelope{
		MessageID: fr.Header.MessageID,
		Message:   msg,
		Signature: fr.Signature,
		canonical: canonical,
	}, nil
}

func messageFromFields(t Type, fields []tlv.Field) (Message, error) {
	switch t {
	case TypeConnectRequest:
		return connectRequestFromFields(fields)
	case TypeConnectResponse:
		return connectResponseFromFields(fields)
	case TypeGeneric:
		return genericFromFields(fields)
	case TypeResumeRequest:
		return resumeRequestFromFields(fields)
	case TypeResumeResponse:
		return resumeResponseFromFields(fields)
	case TypeBatch:
		return batchFromFields(fields)
	case TypeHeartbeat:
		return heartbeatFromFields(fields)
	case TypeClose:
		return closeFromFields(fields)
	case TypeAck:
		return ackFromFields(fields)
	case TypeError:
		return errorFromFields(fields)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint32(t))
	}
}

func connectRequestFromFields(fields []tlv.Field) (Message, error) {
	var m ConnectRequest
	var err error
	if m.ClientID, err = requireString(TypeConnectRequest, fields, FieldClientID); err != nil {
		return nil, err
	}
	if m.Timestamp, _, err = optionalU64(TypeConnectRequest, fields, FieldTimestamp); err != nil {
		return nil, err
	}
	if m.ClientPubkey, err = requireBytes(TypeConnectRequest, fields, FieldClientPubkey); err != nil {
		return nil, err
	}
	if m.ResumeCounter, err = requireU64(TypeConnectRequest, fields, FieldResumeCounter); err != nil {
		return nil, err
	}
	if m.Nonce, err = requireBytes(TypeConnectRequest, fields, FieldNonce); err != nil {
		return nil, err
	}
	if m.RegistrationFlag, err = requireBool(TypeConnectRequest, fields, FieldRegistrationFlag); err != nil {
		return nil, err
	}
	if m.KeyStorage, _, err = optionalString(TypeConnectRequest, fields, FieldKeyStorage); err != nil {
		return nil, err
	}
	if m.ClientMetadata, _, err = optionalBytes(TypeConnectRequest, fields, FieldClientMetadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func connectResponseFromFields(fields []tlv.Field) (Message, error) {
	var m ConnectResponse
	var err error
	if m.SessionID, err = requireString(TypeConnectResponse, fields, FieldSessionID); err != nil {
		return nil, err
	}
	if m.Timestamp, _, err = optionalU64(TypeConnectResponse, fields, FieldTimestamp); err != nil {
		return nil, err
	}
	if m.ResumeCounter, err = requireU64(TypeConnectResponse, fields, FieldResumeCounter); err != nil {
		return nil, err
	}
	if m.ServerPubkey, err = requireBytes(TypeConnectResponse, fields, FieldServerPubkey); err != nil {
		return nil, err
	}
	if m.StatusCode, err = requireU32(TypeConnectResponse, fields, FieldStatusCode); err != nil {
		return nil, err
	}
	if m.ErrorMessage, _, err = optionalString(TypeConnectResponse, fields, FieldErrorMessage); err != nil {
		return nil, err
	}
	if m.EphemeralPubkey, _, err = optionalBytes(TypeConnectResponse, fields, FieldEphemeralPubkey); err != nil {
		return nil, err
	}
	if m.MaxMessageSize, _, err = optionalU32(TypeConnectResponse, fields, FieldMaxMessageSize); err != nil {
		return nil, err
	}
	return &m, nil
}

func genericFromFields(fields []tlv.Field) (Message, error) {
	var m Generic
	var err error
	if m.Sequence, err = requireU64(TypeGeneric, fields, FieldSequence); err != nil {
		return nil, err
	}
	if m.Payload, err = requireBytes(TypeGeneric, fields, FieldPayload); err != nil {
		return nil, err
	}
	return &m, nil
}

func resumeRequestFromFields(fields []tlv.Field) (Message, error) {
	var m ResumeRequest
	var err error
	if m.ClientID, err = requireString(TypeResumeRequest, fields, FieldClientID); err != nil {
		return nil, err
	}
	if m.Nonce, err = requireBytes(TypeResumeRequest, fields, FieldNonce); err != nil {
		return nil, err
	}
	if m.LastSequence, err = requireU64(TypeResumeRequest, fields, FieldLastSequence); err != nil {
		return nil, err
	}
	return &m, nil
}

func resumeResponseFromFields(fields []tlv.Field) (Message, error) {
	var m ResumeResponse
	var err error
	if m.ResumeCounter, err = requireU64(TypeResumeResponse, fields, FieldResumeCounter); err != nil {
		return nil, err
	}
	if m.StatusCode, err = requireU32(TypeResumeResponse, fields, FieldStatusCode); err != nil {
		return nil, err
	}
	if m.ErrorMessage, _, err = optionalString(TypeResumeResponse, fields, FieldErrorMessage); err != nil {
		return nil, err
	}
	return &m, nil
}

func batchFromFields(fields []tlv.Field) (Message, error) {
	var m Batch
	var err error
	if m.Sequence, err = requireU64(TypeBatch, fields, FieldSequence); err != nil {
		return nil, err
	}
	packed, err := requireBytes(TypeBatch, fields, FieldMessages)
	if err != nil {
		return nil, err
	}
	if m.Payloads, err = unpackPayloads(packed); err != nil {
		return nil, err
	}
	return &m, nil
}

func heartbeatFromFields(fields []tlv.Field) (Message, error) {
	var m Heartbeat
	var err error
	if m.Sequence, err = requireU64(TypeHeartbeat, fields, FieldSequence); err != nil {
		return nil, err
	}
	if m.Probe, err = requireU64(TypeHeartbeat, fields, FieldProbe); err != nil {
		return nil, err
	}
	return &m, nil
}

func closeFromFields(fields []tlv.Field) (Message, error) {
	var m Close
	var err error
	if m.Sequence, err = requireU64(TypeClose, fields, FieldSequence); err != nil {
		return nil, err
	}
	if m.Reason, err = requireString(TypeClose, fields, FieldReason); err != nil {
		return nil, err
	}
	if m.FinalCounter, err = requireU64(TypeClose, fields, FieldFinalCounter); err != nil {
		return nil, err
	}
	return &m, nil
}

func ackFromFields(fields []tlv.Field) (Message, error) {
	var m Ack
	var err error
	if m.Sequence, err = requireU64(TypeAck, fields, FieldSequence); err != nil {
		return nil, err
	}
	if m.AckCounter, err = requireU64(TypeAck, fields, FieldAckCounter); err != nil {
		return nil, err
	}
	return &m, nil
}

func errorFromFields(fields []tlv.Field) (Message, error) {
	var m ErrorMessage
	var err error
	if m.ErrorMessage, err = requireString(TypeError, fields, FieldErrorMessage); err != nil {
		return nil, err
	}
	if m.ErrorCode, err = requireU32(TypeError, fields, FieldErrorCode); err != nil {
		return nil, err
	}
	if m.Details, _, err = optionalBytes(TypeError, fields, FieldErrorDetails); err != nil {
		return nil, err
	}
	return &m, nil
}

// packPayloads concatenates payloads with u32 big-endian length prefixes.
func packPayloads(payloads [][]byte) []byte {
	out := make([]byte, 0)
	var lenBuf [4]byte
	for _, p := range payloads {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out
}

func unpackPayloads(packed []byte) ([][]byte, error) {
	payloads := make([][]byte, 0)
	i := 0
	for i < len(packed) {
		if len(packed)-i < 4 {
			return nil, ValidationError{TypeBatch, FieldMessages, "truncated batch entry length"}
		}
		// compare in uint64: on 32-bit platforms int(uint32) can go negative
		l64 := uint64(binary.BigEndian.Uint32(packed[i : i+4]))
		i += 4
		if uint64(len(packed)-i) < l64 {
			return nil, ValidationError{TypeBatch, FieldMessages, "truncated batch entry"}
		}
		l := int(l64)
		p := make([]byte, l)
		copy(p, packed[i:i+l])
		payloads = append(payloads, p)
		i += l
	}
	return payloads, nil
}

func requireField(t Type, fields []tlv.Field, id uint16) (tlv.Field, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return tlv.Field{}, ValidationError{t, id, "missing required field"}
	}
	return f, nil
}

func requireString(t Type, fields []tlv.Field, id uint16) (string, error) {
	f, err := requireField(t, fields, id)
	if err != nil {
		return "", err
	}
	v, err := f.AsString()
	if err != nil {
		return "", ValidationError{t, id, err.Error()}
	}
	return v, nil
}

func requireBytes(t Type, fields []tlv.Field, id uint16) ([]byte, error) {
	f, err := requireField(t, fields, id)
	if err != nil {
		return nil, err
	}
	v, err := f.AsBytes()
	if err != nil {
		return nil, ValidationError{t, id, err.Error()}
	}
	return v, nil
}

func requireU32(t Type, fields []tlv.Field, id uint16) (uint32, error) {
	f, err := requireField(t, fields, id)
	if err != nil {
		return 0, err
	}
	v, err := f.AsU32()
	if err != nil {
		return 0, ValidationError{t, id, err.Error()}
	}
	return v, nil
}

func requireU64(t Type, fields []tlv.Field, id uint16) (uint64, error) {
	f, err := requireField(t, fields, id)
	if err != nil {
		return 0, err
	}
	v, err := f.AsU64()
	if err != nil {
		return 0, ValidationError{t, id, err.Error()}
	}
	return v, nil
}

func requireBool(t Type, fields []tlv.Field, id uint16) (bool, error) {
	f, err := requireField(t, fields, id)
	if err != nil {
		return false, err
	}
	v, err := f.AsBool()
	if err != nil {
		return false, ValidationError{t, id, err.Error()}
	}
	return v, nil
}

func optionalString(t Type, fields []tlv.Field, id uint16) (string, bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return "", false, nil
	}
	v, err := f.AsString()
	if err != nil {
		return "", false, ValidationError{t, id, err.Error()}
	}
	return v, true, nil
}

func optionalBytes(t Type, fields []tlv.Field, id uint16) ([]byte, bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil, false, nil
	}
	v, err := f.AsBytes()
	if err != nil {
		return nil, false, ValidationError{t, id, err.Error()}
	}
	return v, true, nil
}

func optionalU32(t Type, fields []tlv.Field, id uint16) (uint32, bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false, nil
	}
	v, err := f.AsU32()
	if err != nil {
		return 0, false, ValidationError{t, id, err.Error()}
	}
	return v, true, nil
}

func optionalU64(t Type, fields []tlv.Field, id uint16) (uint64, bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false, nil
	}
	v, err := f.AsU64()
	if err != nil {
		return 0, false, ValidationError{t, id, err.Error()}
	}
	return v, true, nil
}
