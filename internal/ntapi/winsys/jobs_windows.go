//go:build windows

package winsys

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/agentsh/broker/internal/ntapi"
)

const (
	disableMaxPrivilege = 0x1

	jobObjectAssociateCompletionPortInformation = 7
	jobObjectMsgActiveProcessZero               = 4
)

type jobAssociateCompletionPort struct {
	CompletionKey  uintptr
	CompletionPort windows.Handle
}

// jobs owns the completion port all broker jobs report to. The completion
// key of each job is its handle value.
type jobs struct {
	port  windows.Handle
	empty chan ntapi.Handle
	once  sync.Once
}

func newJobs() (*jobs, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("CreateIoCompletionPort: %w", err)
	}
	j := &jobs{port: port, empty: make(chan ntapi.Handle, 16)}
	go j.loop()
	return j, nil
}

func (j *jobs) loop() {
	defer close(j.empty)
	for {
		var msg uint32
		var key uintptr
		var ov *windows.Overlapped
		if err := windows.GetQueuedCompletionStatus(j.port, &msg, &key, &ov, windows.INFINITE); err != nil {
			return
		}
		if msg == jobObjectMsgActiveProcessZero {
			j.empty <- ntapi.Handle(key)
		}
	}
}

func (j *jobs) close() error {
	var err error
	j.once.Do(func() { err = windows.CloseHandle(j.port) })
	return err
}

// CreateRestrictedToken implements ntapi.TokenFactory. The token is derived
// from the broker's own primary token. Levels below UserUnprotected drop
// every privilege; UserLockdown additionally restricts to the NULL SID.
func (s *System) CreateRestrictedToken(level ntapi.TokenLevel, integrity ntapi.IntegrityLevel) (ntapi.Handle, error) {
	base, err := windows.OpenCurrentProcessToken()
	if err != nil {
		return ntapi.NullHandle, fmt.Errorf("OpenProcessToken: %w", err)
	}
	defer base.Close()

	var flags uintptr
	if level < ntapi.UserUnprotected {
		flags = disableMaxPrivilege
	}
	var restrict []windows.SIDAndAttributes
	if level == ntapi.UserLockdown {
		null, err := windows.StringToSid("S-1-0-0")
		if err != nil {
			return ntapi.NullHandle, err
		}
		restrict = append(restrict, windows.SIDAndAttributes{Sid: null})
	}
	var restrictPtr uintptr
	if len(restrict) > 0 {
		restrictPtr = uintptr(unsafe.Pointer(&restrict[0]))
	}

	var tok windows.Token
	r, _, callErr := procCreateRestrictedToken.Call(uintptr(base), flags, 0, 0, 0, 0,
		uintptr(len(restrict)), restrictPtr, uintptr(unsafe.Pointer(&tok)))
	if r == 0 {
		return ntapi.NullHandle, fmt.Errorf("CreateRestrictedToken: %w", callErr)
	}

	sid, err := windows.StringToSid(integrity.SID())
	if err != nil {
		tok.Close()
		return ntapi.NullHandle, err
	}
	label := windows.Tokenmandatorylabel{
		Label: windows.SIDAndAttributes{Sid: sid, Attributes: windows.SE_GROUP_INTEGRITY},
	}
	if err := windows.SetTokenInformation(tok, windows.TokenIntegrityLevel,
		(*byte)(unsafe.Pointer(&label)), label.Size()); err != nil {
		tok.Close()
		return ntapi.NullHandle, fmt.Errorf("set integrity level: %w", err)
	}
	return ntapi.Handle(tok), nil
}

// CreateJob implements ntapi.JobFactory.
func (s *System) CreateJob(level ntapi.JobLevel) (ntapi.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return ntapi.NullHandle, fmt.Errorf("CreateJobObject: %w", err)
	}

	var limits windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	limits.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE |
		windows.JOB_OBJECT_LIMIT_DIE_ON_UNHANDLED_EXCEPTION
	if level <= ntapi.JobRestricted {
		limits.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS
		limits.BasicLimitInformation.ActiveProcessLimit = 1
	}
	if level != ntapi.JobNone {
		if _, err := windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
			uintptr(unsafe.Pointer(&limits)), uint32(unsafe.Sizeof(limits))); err != nil {
			windows.CloseHandle(job)
			return ntapi.NullHandle, fmt.Errorf("SetInformationJobObject limits: %w", err)
		}
	}

	port := jobAssociateCompletionPort{CompletionKey: uintptr(job), CompletionPort: s.jobs.port}
	if _, err := windows.SetInformationJobObject(job, jobObjectAssociateCompletionPortInformation,
		uintptr(unsafe.Pointer(&port)), uint32(unsafe.Sizeof(port))); err != nil {
		windows.CloseHandle(job)
		return ntapi.NullHandle, fmt.Errorf("SetInformationJobObject port: %w", err)
	}
	return ntapi.Handle(job), nil
}

// AssignProcess implements ntapi.JobFactory.
func (s *System) AssignProcess(job, process ntapi.Handle) error {
	if err := windows.AssignProcessToJobObject(handle(job), handle(process)); err != nil {
		return fmt.Errorf("AssignProcessToJobObject: %w", err)
	}
	return nil
}

// JobEmpty implements ntapi.JobFactory.
func (s *System) JobEmpty() <-chan ntapi.Handle {
	return s.jobs.empty
}
