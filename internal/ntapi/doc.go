// Package ntapi is the operating-system contract the broker's resource
// actions are written against: status codes, handles and access masks, the
// per-resource object interfaces, and the token and job collaborators that
// produce a target's restricted security context.
//
// Two implementations exist: winsys calls the real Windows API and memsys
// is an in-memory object manager with per-process handle tables.
package ntapi
