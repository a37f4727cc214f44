package protocol

// Type identifies one CPOR-2 message variant.
type Type uint32

const (
	TypeConnectRequest  Type = 1
	TypeConnectResponse Type = 2
	TypeGeneric         Type = 3
	TypeResumeRequest   Type = 4
	TypeResumeResponse  Type = 5
	TypeBatch           Type = 6
	TypeHeartbeat       Type = 7
	TypeClose           Type = 8
	TypeAck             Type = 9
	TypeError           Type = 10
)

func (t Type) String() string {
	switch t {
	case TypeConnectRequest:
		return "connect_request"
	case TypeConnectResponse:
		return "connect_response"
	case TypeGeneric:
		return "generic"
	case TypeResumeRequest:
		return "resume_request"
	case TypeResumeResponse:
		return "resume_response"
	case TypeBatch:
		return "batch"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeClose:
		return "close"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Field IDs. Canonical encoding emits a variant's fields in ascending id
// order, so ids double as the signed field order.
const (
	FieldClientID  uint16 = 1
	FieldSessionID uint16 = 2
	FieldSequence  uint16 = 3
	FieldTimestamp uint16 = 4

	FieldClientPubkey     uint16 = 100
	FieldResumeCounter    uint16 = 101
	FieldNonce            uint16 = 102
	FieldRegistrationFlag uint16 = 103
	FieldKeyStorage       uint16 = 104
	FieldClientMetadata   uint16 = 105
	FieldServerPubkey     uint16 = 106
	FieldStatusCode       uint16 = 107
	FieldErrorMessage     uint16 = 108
	FieldEphemeralPubkey  uint16 = 109
	FieldMaxMessageSize   uint16 = 110

	FieldPayload      uint16 = 200
	FieldLastSequence uint16 = 201
	FieldMessages     uint16 = 202
	FieldProbe        uint16 = 203
	FieldReason       uint16 = 204
	FieldFinalCounter uint16 = 205
	FieldAckCounter   uint16 = 206
	FieldErrorCode    uint16 = 207
	FieldErrorDetails uint16 = 208
)

// Handshake and resume status codes.
const (
	StatusOK                   uint32 = 0
	StatusResumeRejected       uint32 = 1
	StatusRegistrationRequired uint32 = 2
	StatusRegistrationFailed   uint32 = 3
	StatusUnsupportedVersion   uint32 = 4
	StatusInternalError        uint32 = 5
)

// Error message codes.
const (
	ErrCodeProtocolViolation uint32 = 1
	ErrCodeResumeOverflow    uint32 = 2
	ErrCodeInternal          uint32 = 3
)

// Byte-length bounds for fixed-size fields.
const (
	PubkeyLen   = 32
	NonceMinLen = 16
	NonceMaxLen = 32
)

// Key storage values advertised in ConnectRequest.
const (
	KeyStorageSoftware = "software"
	KeyStorageTPM      = "tpm"
)
