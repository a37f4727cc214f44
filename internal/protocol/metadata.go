package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	metadataEnc cbor.EncMode
	metadataDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic form keeps metadata byte-stable inside the signed
	// canonical payload.
	metadataEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	metadataDec, err = cbor.DecOptions{
		MaxNestedLevels: 8,
		MaxMapPairs:     256,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeMetadata serializes an opaque metadata map to deterministic CBOR
// for the client_metadata and error details fields.
func EncodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	out, err := metadataEnc.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrDecode, err)
	}
	return out, nil
}

// DecodeMetadata parses a CBOR metadata map. Malformed input is a decode
// error, never a panic.
func DecodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := metadataDec.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrDecode, err)
	}
	return meta, nil
}
