package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CPOR-2 wire constants. The fixed header is followed by an optional
// 64-byte detached Ed25519 signature and then the TLV payload.
const (
	Magic          uint32 = 0x43504F52 // "CPOR"
	Version        uint16 = 2
	FixedHeaderLen uint16 = 32
	SignatureLen          = 64

	FlagSigned   uint32 = 0x01
	FlagResponse uint32 = 0x02
	FlagError    uint32 = 0x04
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLenMismatch  = errors.New("frame: header_len inconsistent with signed flag")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrShortSignature     = errors.New("frame: short signature block")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message. Signature is either empty or exactly
// SignatureLen bytes covering the canonical payload.
type Frame struct {
	Header    Header
	Signature []byte
	Payload   []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}

	sigLen := int(h.HeaderLen - FixedHeaderLen)
	if h.Flags&FlagSigned != 0 && sigLen != SignatureLen {
		return Frame{}, ErrHeaderLenMismatch
	}
	if h.Flags&FlagSigned == 0 && sigLen != 0 {
		return Frame{}, ErrHeaderLenMismatch
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	var sig []byte
	if sigLen > 0 {
		sig = make([]byte, sigLen)
		if _, err := io.ReadFull(r, sig); err != nil {
			return Frame{}, ErrShortSignature
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Header: h, Signature: sig, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if len(f.Signature) != 0 && len(f.Signature) != SignatureLen {
		return ErrShortSignature
	}
	if uint64(len(f.Payload)) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(len(f.Signature))
	h.PayloadLen = uint64(len(f.Payload))
	if len(f.Signature) > 0 {
		h.Flags |= FlagSigned
	} else {
		h.Flags &^= FlagSigned
	}

	hb := EncodeHeader(h)
	if _, err := w.Write(hb); err != nil {
		return err
	}
	if len(f.Signature) > 0 {
		if _, err := w.Write(f.Signature); err != nil {
			return err
		}
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	if h.HeaderLen < FixedHeaderLen {
		return Header{}, ErrHeaderLenMismatch
	}
	return h, nil
}
