// Package crosscall carries intercepted API calls from a sandboxed target to
// the broker: the service tag space, the typed argument model each service
// declares, and the framed connection protocol.
package crosscall

import (
	"fmt"
	"strings"
)

// Tag identifies one interceptable operation. Tags are dense, start above
// TagUnused and end below TagLast so they can index fixed-size tables.
type Tag uint32

const (
	TagUnused Tag = iota
	TagPing1
	TagPing2
	TagNtCreateFile
	TagNtOpenFile
	TagNtQueryAttributesFile
	TagNtQueryFullAttributesFile
	TagNtSetInfoRename
	TagCreateNamedPipeW
	TagNtOpenThread
	TagNtOpenProcess
	TagNtOpenProcessToken
	TagNtOpenProcessTokenEx
	TagCreateProcessW
	TagCreateEvent
	TagOpenEvent
	TagNtCreateKey
	TagNtOpenKey
	TagLast
)

var tagNames = [...]string{
	TagUnused:                    "Unused",
	TagPing1:                     "Ping1",
	TagPing2:                     "Ping2",
	TagNtCreateFile:              "NtCreateFile",
	TagNtOpenFile:                "NtOpenFile",
	TagNtQueryAttributesFile:     "NtQueryAttributesFile",
	TagNtQueryFullAttributesFile: "NtQueryFullAttributesFile",
	TagNtSetInfoRename:           "NtSetInfoRename",
	TagCreateNamedPipeW:          "CreateNamedPipeW",
	TagNtOpenThread:              "NtOpenThread",
	TagNtOpenProcess:             "NtOpenProcess",
	TagNtOpenProcessToken:        "NtOpenProcessToken",
	TagNtOpenProcessTokenEx:      "NtOpenProcessTokenEx",
	TagCreateProcessW:            "CreateProcessW",
	TagCreateEvent:               "CreateEvent",
	TagOpenEvent:                 "OpenEvent",
	TagNtCreateKey:               "NtCreateKey",
	TagNtOpenKey:                 "NtOpenKey",
	TagLast:                      "Last",
}

// Valid reports whether t names a real service, excluding both sentinels.
func (t Tag) Valid() bool {
	return t > TagUnused && t < TagLast
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", uint32(t))
}

// ParseTag resolves a service name (case-insensitive) to its tag.
func ParseTag(s string) (Tag, error) {
	for i, name := range tagNames {
		t := Tag(i)
		if t.Valid() && strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TagUnused, fmt.Errorf("unknown service %q", s)
}
