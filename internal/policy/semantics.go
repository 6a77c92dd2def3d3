package policy

import (
	"fmt"
	"strings"
)

// Subsystem selects the resource kind a rule declaration targets.
type Subsystem int

const (
	SubsysFiles Subsystem = iota + 1
	SubsysNamedPipes
	SubsysSync
	SubsysProcess
	SubsysRegistry
)

var subsystemNames = map[Subsystem]string{
	SubsysFiles:      "files",
	SubsysNamedPipes: "named_pipes",
	SubsysSync:       "sync",
	SubsysProcess:    "process",
	SubsysRegistry:   "registry",
}

func (s Subsystem) String() string {
	if n, ok := subsystemNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Subsystem(%d)", int(s))
}

// ParseSubsystem resolves a subsystem name as printed by String.
func ParseSubsystem(s string) (Subsystem, error) {
	for sub, name := range subsystemNames {
		if strings.EqualFold(name, s) {
			return sub, nil
		}
	}
	return 0, fmt.Errorf("unknown subsystem %q", s)
}

// Semantics is the high-level access intent of one rule declaration. Each
// value belongs to exactly one subsystem.
type Semantics int

const (
	FilesAllowAny Semantics = iota + 1
	FilesAllowReadonly
	FilesAllowQuery
	FilesAllowDirAny
	NamedpipesAllowAny
	NamedpipesAllowReadonly
	EventsAllowAny
	EventsAllowReadonly
	ProcessMinExec
	ProcessAllExec
	RegAllowReadonly
	RegAllowAny
)

type semanticsInfo struct {
	sub  Subsystem
	name string
}

var semanticsTable = map[Semantics]semanticsInfo{
	FilesAllowAny:           {SubsysFiles, "allow_any"},
	FilesAllowReadonly:      {SubsysFiles, "allow_readonly"},
	FilesAllowQuery:         {SubsysFiles, "allow_query"},
	FilesAllowDirAny:        {SubsysFiles, "allow_dir_any"},
	NamedpipesAllowAny:      {SubsysNamedPipes, "allow_any"},
	NamedpipesAllowReadonly: {SubsysNamedPipes, "allow_readonly"},
	EventsAllowAny:          {SubsysSync, "allow_any"},
	EventsAllowReadonly:     {SubsysSync, "allow_readonly"},
	ProcessMinExec:          {SubsysProcess, "min_exec"},
	ProcessAllExec:          {SubsysProcess, "all_exec"},
	RegAllowReadonly:        {SubsysRegistry, "allow_readonly"},
	RegAllowAny:             {SubsysRegistry, "allow_any"},
}

// Subsystem returns the subsystem s belongs to, or 0 for an unknown value.
func (s Semantics) Subsystem() Subsystem {
	return semanticsTable[s].sub
}

func (s Semantics) String() string {
	if info, ok := semanticsTable[s]; ok {
		return info.sub.String() + "." + info.name
	}
	return fmt.Sprintf("Semantics(%d)", int(s))
}

// ParseSemantics resolves a semantics name within sub, e.g. "allow_readonly".
func ParseSemantics(sub Subsystem, s string) (Semantics, error) {
	for sem, info := range semanticsTable {
		if info.sub == sub && strings.EqualFold(info.name, s) {
			return sem, nil
		}
	}
	return 0, fmt.Errorf("unknown %s semantics %q", sub, s)
}
