package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrDecode             = errors.New("protocol: malformed message")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrSignatureLength    = errors.New("protocol: invalid signature length")
)

// ValidationError reports a schema violation on one message field.
type ValidationError struct {
	MessageType Type
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("protocol: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("protocol: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrDecode }
