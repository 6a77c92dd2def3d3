package crosscall

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same call always produces
// the same bytes on both sides of the channel.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crosscall: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 64,
		MaxMapPairs:      64,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic("crosscall: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeCall serializes a call payload.
func EncodeCall(c *Call) ([]byte, error) {
	return encMode.Marshal(c)
}

// DecodeCall parses a call payload.
func DecodeCall(data []byte) (*Call, error) {
	var c Call
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return &c, nil
}

// EncodeReturn serializes a return payload.
func EncodeReturn(r *Return) ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeReturn parses a return payload.
func DecodeReturn(data []byte) (*Return, error) {
	var r Return
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode return: %w", err)
	}
	return &r, nil
}
