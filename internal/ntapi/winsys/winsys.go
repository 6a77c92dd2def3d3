// Package winsys implements the ntapi contracts on the native Windows API.
package winsys

import "errors"

// ErrUnsupported is returned by New on platforms without the native API.
var ErrUnsupported = errors.New("winsys: native object manager requires windows")
