package crosscall

import (
	"fmt"

	"github.com/agentsh/broker/internal/ntapi"
)

// ArgType is the wire type of one call argument.
type ArgType uint8

const (
	ArgInvalid ArgType = iota
	ArgWChar
	ArgUint32
	ArgUint64
	ArgVoidPtr
	ArgInOutPtr
)

func (t ArgType) String() string {
	switch t {
	case ArgWChar:
		return "wchar"
	case ArgUint32:
		return "uint32"
	case ArgUint64:
		return "uint64"
	case ArgVoidPtr:
		return "voidptr"
	case ArgInOutPtr:
		return "inoutptr"
	default:
		return "invalid"
	}
}

// Arg is one typed call argument. Only the field selected by Type is
// meaningful.
type Arg struct {
	Type ArgType `cbor:"1,keyasint"`
	Str  string  `cbor:"2,keyasint,omitempty"`
	Num  uint64  `cbor:"3,keyasint,omitempty"`
	Buf  []byte  `cbor:"4,keyasint,omitempty"`
}

func WChar(s string) Arg { return Arg{Type: ArgWChar, Str: s} }
func Uint32(v uint32) Arg { return Arg{Type: ArgUint32, Num: uint64(v)} }
func Uint64(v uint64) Arg { return Arg{Type: ArgUint64, Num: v} }
func VoidPtr(h ntapi.Handle) Arg { return Arg{Type: ArgVoidPtr, Num: uint64(h)} }
func InOutPtr(buf []byte) Arg { return Arg{Type: ArgInOutPtr, Buf: buf} }

// Signature is the ordered argument list a service accepts. The stub in the
// target and the broker must agree on it exactly.
type Signature []ArgType

// Check returns an error describing the first mismatch between args and s.
func (s Signature) Check(args []Arg) error {
	if len(args) != len(s) {
		return fmt.Errorf("expected %d args, got %d", len(s), len(args))
	}
	for i, want := range s {
		if args[i].Type != want {
			return fmt.Errorf("arg %d: expected %s, got %s", i, want, args[i].Type)
		}
	}
	return nil
}

// Call is one decoded intercepted call.
type Call struct {
	Tag  Tag   `cbor:"1,keyasint"`
	Args []Arg `cbor:"2,keyasint"`
}

// NewCall builds a call for tag with the given arguments.
func NewCall(tag Tag, args ...Arg) *Call {
	return &Call{Tag: tag, Args: args}
}

func (c *Call) arg(i int, t ArgType) (Arg, bool) {
	if i < 0 || i >= len(c.Args) || c.Args[i].Type != t {
		return Arg{}, false
	}
	return c.Args[i], true
}

// String returns argument i as a string, or false if it is not a wchar arg.
func (c *Call) String(i int) (string, bool) {
	a, ok := c.arg(i, ArgWChar)
	return a.Str, ok
}

func (c *Call) Uint32(i int) (uint32, bool) {
	a, ok := c.arg(i, ArgUint32)
	return uint32(a.Num), ok
}

func (c *Call) Uint64(i int) (uint64, bool) {
	a, ok := c.arg(i, ArgUint64)
	return a.Num, ok
}

func (c *Call) Handle(i int) (ntapi.Handle, bool) {
	a, ok := c.arg(i, ArgVoidPtr)
	return ntapi.Handle(a.Num), ok
}

func (c *Call) Buffer(i int) ([]byte, bool) {
	a, ok := c.arg(i, ArgInOutPtr)
	return a.Buf, ok
}
