//go:build !windows

package winsys

import "github.com/agentsh/broker/internal/ntapi"

// System is unavailable off Windows.
type System struct {
	ntapi.System
	ntapi.TokenFactory
	ntapi.JobFactory
}

// New always fails off Windows; callers fall back to the simulated system.
func New() (*System, error) {
	return nil, ErrUnsupported
}

// Close is a no-op.
func (s *System) Close() error { return nil }
