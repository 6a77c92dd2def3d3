// Package memsys is an in-memory object manager implementing the ntapi
// contracts. Each simulated process owns a handle table; handles passed to
// System methods are interpreted in the broker's table.
package memsys

import (
	"strings"
	"sync"

	"github.com/agentsh/broker/internal/ntapi"
)

type kind int

const (
	kindFile kind = iota + 1
	kindDirectory
	kindKey
	kindPipe
	kindEvent
	kindProcess
	kindThread
	kindToken
	kindJob
)

type object struct {
	kind kind
	name string
	refs int

	attrs uint32
	size  int64

	family       *pipeFamily
	eventType    uint32
	signaled     bool
	proc         *process
	tid          uint32
	suspended    bool
	tokenLevel   ntapi.TokenLevel
	integrity    ntapi.IntegrityLevel
	jobMembers   []*process
	brokerHandle ntapi.Handle
}

type pipeFamily struct {
	name         string
	maxInstances uint32
	instances    uint32
}

type handleEntry struct {
	obj    *object
	access uint32
}

type process struct {
	pid      uint32
	name     string
	obj      *object
	handles  map[ntapi.Handle]*handleEntry
	next     ntapi.Handle
	threads  []uint32
	exited   bool
	exitCode uint32
	token    *object
	job      *object
}

func (p *process) alloc(obj *object, access uint32) ntapi.Handle {
	p.next += 4
	h := p.next
	p.handles[h] = &handleEntry{obj: obj, access: access}
	obj.refs++
	return h
}

// System is the simulated kernel. The zero value is not usable; call New.
type System struct {
	mu      sync.Mutex
	broker  *process
	procs   map[uint32]*process
	threads map[uint32]*object
	files   map[string]*object
	keys    map[string]*object
	pipes   map[string]*pipeFamily
	events  map[string]*object
	nextID  uint32

	jobEmpty       chan ntapi.Handle
	failDuplicates int
}

var (
	_ ntapi.System       = (*System)(nil)
	_ ntapi.TokenFactory = (*System)(nil)
	_ ntapi.JobFactory   = (*System)(nil)
)

// New returns an empty system with a broker process and the registry root
// keys \Registry\Machine and \Registry\User.
func New() *System {
	s := &System{
		procs:    make(map[uint32]*process),
		threads:  make(map[uint32]*object),
		files:    make(map[string]*object),
		keys:     make(map[string]*object),
		pipes:    make(map[string]*pipeFamily),
		events:   make(map[string]*object),
		nextID:   100,
		jobEmpty: make(chan ntapi.Handle, 16),
	}
	s.broker = s.newProcessLocked("broker.exe")
	for _, root := range []string{`\Registry`, `\Registry\Machine`, `\Registry\User`} {
		s.keys[fold(root)] = &object{kind: kindKey, name: root}
	}
	return s
}

func fold(name string) string {
	return strings.ToLower(name)
}

func (s *System) newProcessLocked(name string) *process {
	s.nextID += 4
	p := &process{
		pid:     s.nextID,
		name:    name,
		handles: make(map[ntapi.Handle]*handleEntry),
	}
	p.obj = &object{kind: kindProcess, name: name, proc: p}
	s.procs[p.pid] = p
	s.newThreadLocked(p)
	return p
}

func (s *System) newThreadLocked(p *process) *object {
	s.nextID += 4
	t := &object{kind: kindThread, proc: p, tid: s.nextID}
	s.threads[t.tid] = t
	p.threads = append(p.threads, t.tid)
	return t
}

// entry resolves h in the broker's handle table.
func (s *System) entry(h ntapi.Handle, k kind) (*handleEntry, ntapi.Status) {
	e, ok := s.broker.handles[h]
	if !ok {
		return nil, ntapi.StatusInvalidHandle
	}
	if k != 0 && e.obj.kind != k {
		return nil, ntapi.StatusObjectTypeMismatch
	}
	return e, ntapi.StatusSuccess
}

// processFor resolves a process handle held by the broker.
func (s *System) processFor(h ntapi.Handle) (*process, ntapi.Status) {
	if h == ntapi.CurrentProcess {
		return s.broker, ntapi.StatusSuccess
	}
	e, st := s.entry(h, kindProcess)
	if st != ntapi.StatusSuccess {
		return nil, st
	}
	return e.obj.proc, ntapi.StatusSuccess
}

func (s *System) closeLocked(p *process, h ntapi.Handle) ntapi.Status {
	e, ok := p.handles[h]
	if !ok {
		return ntapi.StatusInvalidHandle
	}
	delete(p.handles, h)
	s.release(e.obj)
	return ntapi.StatusSuccess
}

func (s *System) release(obj *object) {
	obj.refs--
	if obj.refs > 0 {
		return
	}
	switch obj.kind {
	case kindPipe:
		f := obj.family
		f.instances--
		if f.instances == 0 {
			delete(s.pipes, fold(f.name))
		}
	case kindEvent:
		if obj.name != "" {
			delete(s.events, fold(obj.name))
		}
	}
}

// DuplicateHandle implements ntapi.Handles.
func (s *System) DuplicateHandle(srcProcess, src, dstProcess ntapi.Handle, access uint32, opts ntapi.DuplicateOptions) (ntapi.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, st := s.processFor(srcProcess)
	if st != ntapi.StatusSuccess {
		return ntapi.NullHandle, st
	}
	e, ok := sp.handles[src]
	if !ok {
		return ntapi.NullHandle, ntapi.StatusInvalidHandle
	}
	closeSource := func() {
		if opts&ntapi.DuplicateCloseSource != 0 {
			s.closeLocked(sp, src)
		}
	}

	dp, st := s.processFor(dstProcess)
	if st != ntapi.StatusSuccess {
		closeSource()
		return ntapi.NullHandle, st
	}
	if dp.exited {
		closeSource()
		return ntapi.NullHandle, ntapi.StatusProcessIsTerminating
	}
	if s.failDuplicates > 0 {
		s.failDuplicates--
		closeSource()
		return ntapi.NullHandle, ntapi.StatusAccessDenied
	}

	granted := access
	if opts&ntapi.DuplicateSameAccess != 0 {
		granted = e.access
	}
	h := dp.alloc(e.obj, granted)
	closeSource()
	return h, nil
}

// CloseHandle implements ntapi.Handles.
func (s *System) CloseHandle(h ntapi.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.closeLocked(s.broker, h); st != ntapi.StatusSuccess {
		return st
	}
	return nil
}

// ObjectName implements ntapi.Handles.
func (s *System) ObjectName(h ntapi.Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, st := s.entry(h, 0)
	if st != ntapi.StatusSuccess {
		return "", st
	}
	if e.obj.name == "" {
		return "", ntapi.StatusObjectNameNotFound
	}
	return e.obj.name, nil
}
