package ntapi

import "sync"

// Scoped owns one broker-local handle. The handle is closed by Close unless
// ownership has already moved to a target through TransferTo, so callers
// can defer Close unconditionally on every exit path.
type Scoped struct {
	sys  Handles
	h    Handle
	once sync.Once
}

// NewScoped takes ownership of h.
func NewScoped(sys Handles, h Handle) *Scoped {
	return &Scoped{sys: sys, h: h}
}

// Get returns the broker-local handle. It is invalid after TransferTo or
// Close.
func (s *Scoped) Get() Handle {
	return s.h
}

// TransferTo duplicates the handle into target with the same access and
// closes the broker copy. The broker copy is gone afterwards whether or not
// the duplication succeeded.
func (s *Scoped) TransferTo(target Handle) (Handle, error) {
	return s.transfer(target, 0, DuplicateCloseSource|DuplicateSameAccess)
}

// TransferWithAccess is TransferTo with the target's copy reduced to access.
func (s *Scoped) TransferWithAccess(target Handle, access uint32) (Handle, error) {
	return s.transfer(target, access, DuplicateCloseSource)
}

func (s *Scoped) transfer(target Handle, access uint32, opts DuplicateOptions) (Handle, error) {
	dup, err := NullHandle, error(StatusInvalidHandle)
	s.once.Do(func() {
		dup, err = s.sys.DuplicateHandle(CurrentProcess, s.h, target, access, opts)
	})
	return dup, err
}

// Close releases the broker copy if it is still owned.
func (s *Scoped) Close() {
	s.once.Do(func() {
		if s.h != NullHandle {
			_ = s.sys.CloseHandle(s.h)
		}
	})
}

// Release gives up ownership without closing and returns the handle.
// Close and TransferTo do nothing afterwards.
func (s *Scoped) Release() Handle {
	h := s.h
	s.once.Do(func() {})
	return h
}
