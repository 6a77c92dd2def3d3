package ntapi

import "fmt"

// Handle is an opaque kernel handle value, meaningful only within the
// process whose handle table it was allocated from.
type Handle uintptr

const (
	// NullHandle is never a valid handle.
	NullHandle Handle = 0
	// CurrentProcess is the pseudo handle for the calling process.
	CurrentProcess Handle = ^Handle(0)
)

func (h Handle) String() string {
	if h == CurrentProcess {
		return "CurrentProcess"
	}
	return fmt.Sprintf("0x%x", uintptr(h))
}

// DuplicateOptions mirror the DUPLICATE_* flags.
type DuplicateOptions uint32

const (
	DuplicateCloseSource DuplicateOptions = 0x00000001
	DuplicateSameAccess  DuplicateOptions = 0x00000002
)
