package memsys

import "github.com/agentsh/broker/internal/ntapi"

// BrokerPID returns the simulated broker's process id.
func (s *System) BrokerPID() uint32 {
	return s.broker.pid
}

// NewTarget creates a running process and returns its pid together with a
// broker handle to it.
func (s *System) NewTarget(name string) (uint32, ntapi.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.newProcessLocked(name)
	return p.pid, s.broker.alloc(p.obj, ntapi.ProcessAllAccess)
}

// NewThread adds a thread to pid and returns its id, or 0 if pid is unknown.
func (s *System) NewThread(pid uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return 0
	}
	return s.newThreadLocked(p).tid
}

// Threads returns the thread ids of pid.
func (s *System) Threads(pid uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return nil
	}
	return append([]uint32(nil), p.threads...)
}

// AddFile creates a file or, with FileAttributeDirectory, a directory.
func (s *System) AddFile(name string, attrs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := kindFile
	if attrs&ntapi.FileAttributeDirectory != 0 {
		k = kindDirectory
	}
	s.files[fold(name)] = &object{kind: k, name: name, attrs: attrs}
}

// HasFile reports whether a file exists under name.
func (s *System) HasFile(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[fold(name)]
	return ok
}

// AddKey creates path and any missing ancestors.
func (s *System) AddKey(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := path; p != ""; p = parentKey(p) {
		if _, ok := s.keys[fold(p)]; ok {
			break
		}
		s.keys[fold(p)] = &object{kind: kindKey, name: p}
	}
}

// HasKey reports whether a key exists at path.
func (s *System) HasKey(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[fold(path)]
	return ok
}

// PipeInstances returns the number of open server instances of name.
func (s *System) PipeInstances(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pipes[fold(name)]
	if !ok {
		return 0
	}
	return int(f.instances)
}

// Give opens a handle to an existing named object directly in pid's
// handle table, the way a target would have opened it itself.
func (s *System) Give(pid uint32, name string, access uint32) ntapi.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return ntapi.NullHandle
	}
	key := fold(name)
	for _, table := range []map[string]*object{s.keys, s.files, s.events} {
		if obj, ok := table[key]; ok {
			return p.alloc(obj, access)
		}
	}
	return ntapi.NullHandle
}

// HandleInfo describes one entry of a process handle table.
type HandleInfo struct {
	Name   string
	Access uint32
	Kind   string
}

var kindNames = map[kind]string{
	kindFile:      "file",
	kindDirectory: "directory",
	kindKey:       "key",
	kindPipe:      "pipe",
	kindEvent:     "event",
	kindProcess:   "process",
	kindThread:    "thread",
	kindToken:     "token",
	kindJob:       "job",
}

// Lookup returns the entry for h in pid's table, or false if h is not open
// there.
func (s *System) Lookup(pid uint32, h ntapi.Handle) (HandleInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return HandleInfo{}, false
	}
	e, ok := p.handles[h]
	if !ok {
		return HandleInfo{}, false
	}
	return HandleInfo{Name: e.obj.name, Access: e.access, Kind: kindNames[e.obj.kind]}, true
}

// OpenHandles returns the number of open handles in pid's table.
func (s *System) OpenHandles(pid uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return 0
	}
	return len(p.handles)
}

// Exited reports whether pid has terminated.
func (s *System) Exited(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	return ok && p.exited
}

// Suspended reports whether the thread tid is suspended.
func (s *System) Suspended(tid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return ok && t.suspended
}

// FailDuplicates makes the next n DuplicateHandle calls fail with
// StatusAccessDenied after honoring DuplicateCloseSource.
func (s *System) FailDuplicates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDuplicates = n
}
