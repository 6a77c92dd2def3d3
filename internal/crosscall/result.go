package crosscall

import "fmt"

// ResultCode reports whether the broker handled a call at all. It is
// independent of the emulated API status carried in Return.Status.
type ResultCode uint32

const (
	AllOK ResultCode = iota
	ErrorGeneric
	ErrorBadParams
	ErrorNoHandler
	ErrorUnsupported
	ErrorFrozen
	ErrorInvalidTarget
)

func (c ResultCode) String() string {
	switch c {
	case AllOK:
		return "ok"
	case ErrorGeneric:
		return "generic error"
	case ErrorBadParams:
		return "bad params"
	case ErrorNoHandler:
		return "no handler"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorFrozen:
		return "policy frozen"
	case ErrorInvalidTarget:
		return "invalid target"
	default:
		return fmt.Sprintf("result(%d)", uint32(c))
	}
}

// MaxExtended bounds the auxiliary integers a Return may carry.
const MaxExtended = 8

// Return is the envelope written back to the target for one call.
type Return struct {
	Tag      Tag        `cbor:"1,keyasint"`
	Outcome  ResultCode `cbor:"2,keyasint"`
	Status   uint32     `cbor:"3,keyasint,omitempty"`
	Win32    uint32     `cbor:"4,keyasint,omitempty"`
	Handle   uint64     `cbor:"5,keyasint,omitempty"`
	Extended []uint32   `cbor:"6,keyasint,omitempty"`
	Buffer   []byte     `cbor:"7,keyasint,omitempty"`
}

// NewReturn returns an envelope for tag with the given outcome.
func NewReturn(tag Tag, outcome ResultCode) *Return {
	return &Return{Tag: tag, Outcome: outcome}
}

// SetExtended replaces the auxiliary integers, rejecting more than
// MaxExtended values.
func (r *Return) SetExtended(vals ...uint32) error {
	if len(vals) > MaxExtended {
		return fmt.Errorf("extended return count %d exceeds %d", len(vals), MaxExtended)
	}
	r.Extended = append([]uint32(nil), vals...)
	return nil
}
