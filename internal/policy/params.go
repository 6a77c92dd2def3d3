package policy

import (
	"fmt"

	"github.com/agentsh/broker/internal/ntapi"
)

// ParamType is the type carried in one parameter slot.
type ParamType uint8

const (
	ParamUnset ParamType = iota
	ParamString
	ParamUint32
	ParamUint64
	ParamHandle
)

func (t ParamType) String() string {
	switch t {
	case ParamString:
		return "string"
	case ParamUint32:
		return "uint32"
	case ParamUint64:
		return "uint64"
	case ParamHandle:
		return "handle"
	default:
		return "unset"
	}
}

// Param is one typed value of a parameter set.
type Param struct {
	Type ParamType
	Str  string
	Num  uint64
}

func StringParam(s string) Param { return Param{Type: ParamString, Str: s} }
func Uint32Param(v uint32) Param { return Param{Type: ParamUint32, Num: uint64(v)} }
func Uint64Param(v uint64) Param { return Param{Type: ParamUint64, Num: v} }
func HandleParam(h ntapi.Handle) Param { return Param{Type: ParamHandle, Num: uint64(h)} }

// IsValid reports whether the slot was populated.
func (p Param) IsValid() bool {
	return p.Type != ParamUnset
}

func (p Param) numeric() bool {
	return p.Type == ParamUint32 || p.Type == ParamUint64 || p.Type == ParamHandle
}

func (p Param) String() string {
	switch p.Type {
	case ParamString:
		return fmt.Sprintf("%q", p.Str)
	case ParamUnset:
		return "<unset>"
	default:
		return fmt.Sprintf("0x%x", p.Num)
	}
}

// ParamSet is the fixed-size slot array describing one call. Slot layouts
// are declared per operation below.
type ParamSet struct {
	slots []Param
}

// NewParamSet returns a set with n unset slots.
func NewParamSet(n int) *ParamSet {
	return &ParamSet{slots: make([]Param, n)}
}

// Set stores p in slot. Out-of-range slots are ignored; the evaluator later
// reports any rule referencing them as a fault.
func (ps *ParamSet) Set(slot int, p Param) *ParamSet {
	if slot >= 0 && slot < len(ps.slots) {
		ps.slots[slot] = p
	}
	return ps
}

// Get returns the value in slot and whether the slot exists and is set.
func (ps *ParamSet) Get(slot int) (Param, bool) {
	if ps == nil || slot < 0 || slot >= len(ps.slots) {
		return Param{}, false
	}
	p := ps.slots[slot]
	return p, p.IsValid()
}

// Len returns the number of slots.
func (ps *ParamSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.slots)
}

// Slots for services keyed only by a file name (query attributes, rename).
const (
	FileNameName = iota
	FileNameBroker
	FileNameSlots
)

// Slots for NtCreateFile and NtOpenFile.
const (
	OpenFileName = iota
	OpenFileBroker
	OpenFileAccess
	OpenFileDisposition
	OpenFileOptions
	OpenFileSlots
)

// Slots for services keyed by name alone, such as CreateEvent.
const (
	NameBasedName = iota
	NameBasedSlots
)

// Slots for CreateNamedPipeW.
const (
	CreatePipeName = iota
	CreatePipeOpenMode
	CreatePipeSlots
)

// Slots for OpenEvent.
const (
	OpenEventName = iota
	OpenEventAccess
	OpenEventSlots
)

// Slots for NtCreateKey and NtOpenKey.
const (
	OpenKeyName = iota
	OpenKeyAccess
	OpenKeySlots
)

// Slots for CreateProcessW.
const (
	CreateProcessName = iota
	CreateProcessSlots
)

// Slots for process, thread and token opens.
const (
	OpenProcessTarget = iota
	OpenProcessAccess
	OpenProcessSlots
)
