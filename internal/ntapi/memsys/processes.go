package memsys

import (
	"github.com/agentsh/broker/internal/ntapi"
)

// OpenProcess implements ntapi.Processes.
func (s *System) OpenProcess(pid uint32, access uint32) (ntapi.Handle, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return ntapi.NullHandle, ntapi.StatusInvalidCid
	}
	return s.broker.alloc(p.obj, access), ntapi.StatusSuccess
}

// OpenThread implements ntapi.Processes.
func (s *System) OpenThread(tid uint32, access uint32) (ntapi.Handle, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return ntapi.NullHandle, ntapi.StatusInvalidCid
	}
	return s.broker.alloc(t, access), ntapi.StatusSuccess
}

// ThreadProcessID implements ntapi.Processes.
func (s *System) ThreadProcessID(tid uint32) (uint32, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	if !ok {
		return 0, ntapi.StatusInvalidCid
	}
	return t.proc.pid, ntapi.StatusSuccess
}

// ProcessID implements ntapi.Processes.
func (s *System) ProcessID(process ntapi.Handle) (uint32, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, st := s.processFor(process)
	if st != ntapi.StatusSuccess {
		return 0, st
	}
	return p.pid, ntapi.StatusSuccess
}

// OpenProcessToken implements ntapi.Processes.
func (s *System) OpenProcessToken(process ntapi.Handle, access uint32) (ntapi.Handle, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, st := s.processFor(process)
	if st != ntapi.StatusSuccess {
		return ntapi.NullHandle, st
	}
	if p.token == nil {
		p.token = &object{kind: kindToken, tokenLevel: ntapi.UserUnprotected, integrity: ntapi.IntegrityMedium}
	}
	return s.broker.alloc(p.token, access), ntapi.StatusSuccess
}

// CreateProcess implements ntapi.Processes.
func (s *System) CreateProcess(req ntapi.ProcessRequest) (ntapi.ProcessInfo, ntapi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Application == "" && req.CommandLine == "" {
		return ntapi.ProcessInfo{}, ntapi.ErrorInvalidParameter
	}
	var token *object
	if req.Token != ntapi.NullHandle {
		e, st := s.entry(req.Token, kindToken)
		if st != ntapi.StatusSuccess {
			return ntapi.ProcessInfo{}, ntapi.ErrorInvalidHandle
		}
		token = e.obj
	}

	name := req.Application
	if name == "" {
		name = req.CommandLine
	}
	p := s.newProcessLocked(name)
	p.token = token
	t := s.threads[p.threads[0]]
	t.suspended = req.Flags&ntapi.CreateSuspended != 0

	return ntapi.ProcessInfo{
		Process:   s.broker.alloc(p.obj, ntapi.ProcessAllAccess),
		Thread:    s.broker.alloc(t, ntapi.ThreadAllAccess),
		ProcessID: p.pid,
		ThreadID:  t.tid,
	}, ntapi.ErrorSuccess
}

// ResumeThread implements ntapi.Processes.
func (s *System) ResumeThread(thread ntapi.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, st := s.entry(thread, kindThread)
	if st != ntapi.StatusSuccess {
		return st
	}
	e.obj.suspended = false
	return nil
}

// TerminateProcess implements ntapi.Processes. The process's handle table
// is torn down and its job is reported empty once no member is alive.
func (s *System) TerminateProcess(process ntapi.Handle, exitCode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, st := s.processFor(process)
	if st != ntapi.StatusSuccess {
		return st
	}
	if p == s.broker {
		return ntapi.StatusAccessDenied
	}
	s.exitLocked(p, exitCode)
	return nil
}

func (s *System) exitLocked(p *process, exitCode uint32) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = exitCode
	for h := range p.handles {
		s.closeLocked(p, h)
	}
	if p.job == nil {
		return
	}
	for _, m := range p.job.jobMembers {
		if !m.exited {
			return
		}
	}
	select {
	case s.jobEmpty <- p.job.brokerHandle:
	default:
	}
}

// CreateRestrictedToken implements ntapi.TokenFactory.
func (s *System) CreateRestrictedToken(level ntapi.TokenLevel, integrity ntapi.IntegrityLevel) (ntapi.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := &object{kind: kindToken, tokenLevel: level, integrity: integrity}
	return s.broker.alloc(tok, ntapi.TokenAllAccess), nil
}

// CreateJob implements ntapi.JobFactory.
func (s *System) CreateJob(level ntapi.JobLevel) (ntapi.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &object{kind: kindJob}
	job.brokerHandle = s.broker.alloc(job, ntapi.GenericAll)
	return job.brokerHandle, nil
}

// AssignProcess implements ntapi.JobFactory.
func (s *System) AssignProcess(job, process ntapi.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	je, st := s.entry(job, kindJob)
	if st != ntapi.StatusSuccess {
		return st
	}
	p, st := s.processFor(process)
	if st != ntapi.StatusSuccess {
		return st
	}
	if p.job != nil {
		return ntapi.StatusAccessDenied
	}
	p.job = je.obj
	je.obj.jobMembers = append(je.obj.jobMembers, p)
	return nil
}

// JobEmpty implements ntapi.JobFactory.
func (s *System) JobEmpty() <-chan ntapi.Handle {
	return s.jobEmpty
}
