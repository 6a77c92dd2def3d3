//go:build windows

package winsys

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/agentsh/broker/internal/ntapi"
)

var (
	ntdll                         = windows.NewLazySystemDLL("ntdll.dll")
	procNtQueryObject             = ntdll.NewProc("NtQueryObject")
	procNtQueryAttributesFile     = ntdll.NewProc("NtQueryAttributesFile")
	procNtQueryFullAttributesFile = ntdll.NewProc("NtQueryFullAttributesFile")
	procNtCreateKey               = ntdll.NewProc("NtCreateKey")
	procNtOpenKey                 = ntdll.NewProc("NtOpenKey")
	procNtOpenProcess             = ntdll.NewProc("NtOpenProcess")
	procNtOpenThread              = ntdll.NewProc("NtOpenThread")
	procNtOpenProcessToken        = ntdll.NewProc("NtOpenProcessToken")

	modKernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcessIdOfThread  = modKernel32.NewProc("GetProcessIdOfThread")
	modAdvapi32               = windows.NewLazySystemDLL("advapi32.dll")
	procCreateRestrictedToken = modAdvapi32.NewProc("CreateRestrictedToken")
)

const (
	objectNameInformation = 1
	fileRenameInformation = 10
)

type clientID struct {
	UniqueProcess uintptr
	UniqueThread  uintptr
}

type fileBasicInformation struct {
	CreationTime   int64
	LastAccessTime int64
	LastWriteTime  int64
	ChangeTime     int64
	FileAttributes uint32
}

type fileNetworkOpenInformation struct {
	CreationTime   int64
	LastAccessTime int64
	LastWriteTime  int64
	ChangeTime     int64
	AllocationSize int64
	EndOfFile      int64
	FileAttributes uint32
}

type fileRenameInfo struct {
	ReplaceIfExists uint32
	RootDirectory   windows.Handle
	FileNameLength  uint32
	FileName        [1]uint16
}

// System is the live OS. It is stateless apart from the job completion
// port owned by its JobFactory half.
type System struct {
	jobs *jobs
}

var (
	_ ntapi.System       = (*System)(nil)
	_ ntapi.TokenFactory = (*System)(nil)
	_ ntapi.JobFactory   = (*System)(nil)
)

// New opens the completion port used to observe job exits.
func New() (*System, error) {
	j, err := newJobs()
	if err != nil {
		return nil, err
	}
	return &System{jobs: j}, nil
}

// Close releases the completion port.
func (s *System) Close() error {
	return s.jobs.close()
}

func toStatus(err error) ntapi.Status {
	if err == nil {
		return ntapi.StatusSuccess
	}
	var st windows.NTStatus
	if errors.As(err, &st) {
		return ntapi.Status(st)
	}
	var errno windows.Errno
	if errors.As(err, &errno) {
		switch errno {
		case windows.ERROR_ACCESS_DENIED:
			return ntapi.StatusAccessDenied
		case windows.ERROR_INVALID_HANDLE:
			return ntapi.StatusInvalidHandle
		case windows.ERROR_INVALID_PARAMETER:
			return ntapi.StatusInvalidParameter
		case windows.ERROR_FILE_NOT_FOUND:
			return ntapi.StatusObjectNameNotFound
		}
	}
	return ntapi.StatusUnsuccessful
}

func toErrno(err error) ntapi.Errno {
	if err == nil {
		return ntapi.ErrorSuccess
	}
	var errno windows.Errno
	if errors.As(err, &errno) {
		return ntapi.Errno(errno)
	}
	return ntapi.ErrorInvalidParameter
}

// objectAttributes builds OBJECT_ATTRIBUTES for a case-insensitive lookup
// of the native path name.
func objectAttributes(name string) (*windows.OBJECT_ATTRIBUTES, error) {
	us, err := windows.NewNTUnicodeString(name)
	if err != nil {
		return nil, err
	}
	return &windows.OBJECT_ATTRIBUTES{
		Length:     uint32(unsafe.Sizeof(windows.OBJECT_ATTRIBUTES{})),
		ObjectName: us,
		Attributes: windows.OBJ_CASE_INSENSITIVE,
	}, nil
}

func handle(h ntapi.Handle) windows.Handle { return windows.Handle(h) }

// DuplicateHandle implements ntapi.Handles.
func (s *System) DuplicateHandle(srcProcess, src, dstProcess ntapi.Handle, access uint32, opts ntapi.DuplicateOptions) (ntapi.Handle, error) {
	var out windows.Handle
	err := windows.DuplicateHandle(handle(srcProcess), handle(src), handle(dstProcess), &out, access, false, uint32(opts))
	if err != nil {
		return ntapi.NullHandle, toStatus(err)
	}
	return ntapi.Handle(out), nil
}

// CloseHandle implements ntapi.Handles.
func (s *System) CloseHandle(h ntapi.Handle) error {
	return windows.CloseHandle(handle(h))
}

// ObjectName implements ntapi.Handles using NtQueryObject.
func (s *System) ObjectName(h ntapi.Handle) (string, error) {
	buf := make([]byte, 1024)
	for {
		var needed uint32
		r, _, _ := procNtQueryObject.Call(uintptr(h), objectNameInformation,
			uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(unsafe.Pointer(&needed)))
		st := ntapi.Status(r)
		if st == ntapi.Status(windows.STATUS_INFO_LENGTH_MISMATCH) || st == ntapi.Status(windows.STATUS_BUFFER_OVERFLOW) {
			if needed <= uint32(len(buf)) {
				needed = uint32(len(buf)) * 2
			}
			buf = make([]byte, needed)
			continue
		}
		if !st.IsSuccess() {
			return "", st
		}
		name := (*windows.NTUnicodeString)(unsafe.Pointer(&buf[0]))
		if name.Length == 0 {
			return "", ntapi.StatusObjectNameNotFound
		}
		// File objects report \Device\HarddiskVolumeN paths; rules are
		// written against \??\ drive names.
		n := name.String()
		if strings.HasPrefix(n, `\Device\`) {
			n = deviceMap().DosName(n)
		}
		return n, nil
	}
}

// deviceMap reads the current drive letter to device mapping.
func deviceMap() ntapi.DeviceMap {
	m := ntapi.DeviceMap{`\Device\Mup`: "UNC"}
	drives, err := windows.GetLogicalDrives()
	if err != nil {
		return m
	}
	buf := make([]uint16, windows.MAX_PATH)
	for i := range 26 {
		if drives&(1<<uint(i)) == 0 {
			continue
		}
		drive := string(rune('A'+i)) + ":"
		p, err := windows.UTF16PtrFromString(drive)
		if err != nil {
			continue
		}
		n, err := windows.QueryDosDevice(p, &buf[0], uint32(len(buf)))
		if err != nil || n == 0 {
			continue
		}
		if target := windows.UTF16ToString(buf[:n]); strings.HasPrefix(target, `\Device\`) {
			m[target] = drive
		}
	}
	return m
}

// CreateFile implements ntapi.FileSystem.
func (s *System) CreateFile(req ntapi.FileRequest) (ntapi.Handle, uint32, ntapi.Status) {
	oa, err := objectAttributes(req.Name)
	if err != nil {
		return ntapi.NullHandle, 0, ntapi.StatusObjectNameInvalid
	}
	var h windows.Handle
	var iosb windows.IO_STATUS_BLOCK
	err = windows.NtCreateFile(&h, req.Access, oa, &iosb, nil, req.Attributes,
		req.ShareAccess, req.Disposition, req.Options, 0, 0)
	if err != nil {
		return ntapi.NullHandle, 0, toStatus(err)
	}
	return ntapi.Handle(h), uint32(iosb.Information), ntapi.StatusSuccess
}

// QueryAttributes implements ntapi.FileSystem.
func (s *System) QueryAttributes(name string) (ntapi.FileBasicInfo, ntapi.Status) {
	oa, err := objectAttributes(name)
	if err != nil {
		return ntapi.FileBasicInfo{}, ntapi.StatusObjectNameInvalid
	}
	var info fileBasicInformation
	r, _, _ := procNtQueryAttributesFile.Call(uintptr(unsafe.Pointer(oa)), uintptr(unsafe.Pointer(&info)))
	if st := ntapi.Status(r); !st.IsSuccess() {
		return ntapi.FileBasicInfo{}, st
	}
	return ntapi.FileBasicInfo{
		CreationTime:   info.CreationTime,
		LastAccessTime: info.LastAccessTime,
		LastWriteTime:  info.LastWriteTime,
		ChangeTime:     info.ChangeTime,
		Attributes:     info.FileAttributes,
	}, ntapi.StatusSuccess
}

// QueryFullAttributes implements ntapi.FileSystem.
func (s *System) QueryFullAttributes(name string) (ntapi.FileNetworkOpenInfo, ntapi.Status) {
	oa, err := objectAttributes(name)
	if err != nil {
		return ntapi.FileNetworkOpenInfo{}, ntapi.StatusObjectNameInvalid
	}
	var info fileNetworkOpenInformation
	r, _, _ := procNtQueryFullAttributesFile.Call(uintptr(unsafe.Pointer(oa)), uintptr(unsafe.Pointer(&info)))
	if st := ntapi.Status(r); !st.IsSuccess() {
		return ntapi.FileNetworkOpenInfo{}, st
	}
	return ntapi.FileNetworkOpenInfo{
		FileBasicInfo: ntapi.FileBasicInfo{
			CreationTime:   info.CreationTime,
			LastAccessTime: info.LastAccessTime,
			LastWriteTime:  info.LastWriteTime,
			ChangeTime:     info.ChangeTime,
			Attributes:     info.FileAttributes,
		},
		AllocationSize: info.AllocationSize,
		EndOfFile:      info.EndOfFile,
	}, ntapi.StatusSuccess
}

// Rename implements ntapi.FileSystem with FileRenameInformation.
func (s *System) Rename(file ntapi.Handle, newName string, replaceIfExists bool) ntapi.Status {
	name, err := windows.UTF16FromString(newName)
	if err != nil {
		return ntapi.StatusObjectNameInvalid
	}
	name = name[:len(name)-1]
	nameBytes := uint32(len(name) * 2)
	size := unsafe.Offsetof(fileRenameInfo{}.FileName) + uintptr(nameBytes)
	buf := make([]byte, size+2)
	info := (*fileRenameInfo)(unsafe.Pointer(&buf[0]))
	if replaceIfExists {
		info.ReplaceIfExists = 1
	}
	info.FileNameLength = nameBytes
	copy(unsafe.Slice(&info.FileName[0], len(name)), name)

	var iosb windows.IO_STATUS_BLOCK
	err = windows.NtSetInformationFile(handle(file), &iosb, &buf[0], uint32(size), fileRenameInformation)
	return toStatus(err)
}

// CreateKey implements ntapi.Registry.
func (s *System) CreateKey(path string, access, options uint32) (ntapi.Handle, uint32, ntapi.Status) {
	oa, err := objectAttributes(path)
	if err != nil {
		return ntapi.NullHandle, 0, ntapi.StatusObjectNameInvalid
	}
	var h windows.Handle
	var disposition uint32
	r, _, _ := procNtCreateKey.Call(uintptr(unsafe.Pointer(&h)), uintptr(access), uintptr(unsafe.Pointer(oa)),
		0, 0, uintptr(options), uintptr(unsafe.Pointer(&disposition)))
	if st := ntapi.Status(r); !st.IsSuccess() {
		return ntapi.NullHandle, 0, st
	}
	return ntapi.Handle(h), disposition, ntapi.StatusSuccess
}

// OpenKey implements ntapi.Registry.
func (s *System) OpenKey(path string, access uint32) (ntapi.Handle, ntapi.Status) {
	oa, err := objectAttributes(path)
	if err != nil {
		return ntapi.NullHandle, ntapi.StatusObjectNameInvalid
	}
	var h windows.Handle
	r, _, _ := procNtOpenKey.Call(uintptr(unsafe.Pointer(&h)), uintptr(access), uintptr(unsafe.Pointer(oa)))
	if st := ntapi.Status(r); !st.IsSuccess() {
		return ntapi.NullHandle, st
	}
	return ntapi.Handle(h), ntapi.StatusSuccess
}

// CreateNamedPipe implements ntapi.Pipes.
func (s *System) CreateNamedPipe(req ntapi.PipeRequest) (ntapi.Handle, ntapi.Errno) {
	name, err := windows.UTF16PtrFromString(req.Name)
	if err != nil {
		return ntapi.NullHandle, ntapi.ErrorInvalidName
	}
	h, err := windows.CreateNamedPipe(name, req.OpenMode, req.PipeMode, req.MaxInstances,
		req.OutBufferSize, req.InBufferSize, req.DefaultTimeout, nil)
	if err != nil {
		return ntapi.NullHandle, toErrno(err)
	}
	return ntapi.Handle(h), ntapi.ErrorSuccess
}

// CreateEvent implements ntapi.Sync.
func (s *System) CreateEvent(name string, eventType uint32, initialState bool, access uint32) (ntapi.Handle, ntapi.Status) {
	if eventType != ntapi.NotificationEvent && eventType != ntapi.SynchronizationEvent {
		return ntapi.NullHandle, ntapi.StatusInvalidParameter
	}
	var namePtr *uint16
	if name != "" {
		p, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return ntapi.NullHandle, ntapi.StatusObjectNameInvalid
		}
		namePtr = p
	}
	var manual, initial uint32
	if eventType == ntapi.NotificationEvent {
		manual = 1
	}
	if initialState {
		initial = 1
	}
	h, err := windows.CreateEvent(nil, manual, initial, namePtr)
	if h == 0 {
		return ntapi.NullHandle, toStatus(err)
	}
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return ntapi.Handle(h), ntapi.StatusObjectNameExists
	}
	return ntapi.Handle(h), ntapi.StatusSuccess
}

// OpenEvent implements ntapi.Sync.
func (s *System) OpenEvent(name string, access uint32) (ntapi.Handle, ntapi.Status) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil || name == "" {
		return ntapi.NullHandle, ntapi.StatusObjectNameInvalid
	}
	h, err := windows.OpenEvent(access, false, p)
	if err != nil {
		return ntapi.NullHandle, toStatus(err)
	}
	return ntapi.Handle(h), ntapi.StatusSuccess
}

func openByClientID(proc *windows.LazyProc, cid clientID, access uint32) (ntapi.Handle, ntapi.Status) {
	oa := windows.OBJECT_ATTRIBUTES{Length: uint32(unsafe.Sizeof(windows.OBJECT_ATTRIBUTES{}))}
	var h windows.Handle
	r, _, _ := proc.Call(uintptr(unsafe.Pointer(&h)), uintptr(access), uintptr(unsafe.Pointer(&oa)), uintptr(unsafe.Pointer(&cid)))
	if st := ntapi.Status(r); !st.IsSuccess() {
		return ntapi.NullHandle, st
	}
	return ntapi.Handle(h), ntapi.StatusSuccess
}

// OpenProcess implements ntapi.Processes.
func (s *System) OpenProcess(pid uint32, access uint32) (ntapi.Handle, ntapi.Status) {
	return openByClientID(procNtOpenProcess, clientID{UniqueProcess: uintptr(pid)}, access)
}

// OpenThread implements ntapi.Processes.
func (s *System) OpenThread(tid uint32, access uint32) (ntapi.Handle, ntapi.Status) {
	return openByClientID(procNtOpenThread, clientID{UniqueThread: uintptr(tid)}, access)
}

// ThreadProcessID implements ntapi.Processes.
func (s *System) ThreadProcessID(tid uint32) (uint32, ntapi.Status) {
	h, st := s.OpenThread(tid, ntapi.ThreadQueryLimitedInformation)
	if !st.IsSuccess() {
		return 0, st
	}
	defer windows.CloseHandle(handle(h))
	r, _, err := procGetProcessIdOfThread.Call(uintptr(h))
	if r == 0 {
		return 0, toStatus(err)
	}
	return uint32(r), ntapi.StatusSuccess
}

// ProcessID implements ntapi.Processes.
func (s *System) ProcessID(process ntapi.Handle) (uint32, ntapi.Status) {
	pid, err := windows.GetProcessId(handle(process))
	if err != nil {
		return 0, toStatus(err)
	}
	return pid, ntapi.StatusSuccess
}

// OpenProcessToken implements ntapi.Processes.
func (s *System) OpenProcessToken(process ntapi.Handle, access uint32) (ntapi.Handle, ntapi.Status) {
	var h windows.Handle
	r, _, _ := procNtOpenProcessToken.Call(uintptr(process), uintptr(access), uintptr(unsafe.Pointer(&h)))
	if st := ntapi.Status(r); !st.IsSuccess() {
		return ntapi.NullHandle, st
	}
	return ntapi.Handle(h), ntapi.StatusSuccess
}

// CreateProcess implements ntapi.Processes. With a token the child is
// created with CreateProcessAsUser.
func (s *System) CreateProcess(req ntapi.ProcessRequest) (ntapi.ProcessInfo, ntapi.Errno) {
	var app, cmd, dir *uint16
	var err error
	if req.Application != "" {
		if app, err = windows.UTF16PtrFromString(req.Application); err != nil {
			return ntapi.ProcessInfo{}, ntapi.ErrorInvalidParameter
		}
	}
	if req.CommandLine != "" {
		if cmd, err = windows.UTF16PtrFromString(req.CommandLine); err != nil {
			return ntapi.ProcessInfo{}, ntapi.ErrorInvalidParameter
		}
	}
	if req.CurrentDir != "" {
		if dir, err = windows.UTF16PtrFromString(req.CurrentDir); err != nil {
			return ntapi.ProcessInfo{}, ntapi.ErrorInvalidParameter
		}
	}
	si := windows.StartupInfo{Cb: uint32(unsafe.Sizeof(windows.StartupInfo{}))}
	var pi windows.ProcessInformation
	flags := req.Flags | windows.CREATE_UNICODE_ENVIRONMENT
	if req.Token != ntapi.NullHandle {
		err = windows.CreateProcessAsUser(windows.Token(req.Token), app, cmd, nil, nil, false, flags, nil, dir, &si, &pi)
	} else {
		err = windows.CreateProcess(app, cmd, nil, nil, false, flags, nil, dir, &si, &pi)
	}
	if err != nil {
		return ntapi.ProcessInfo{}, toErrno(err)
	}
	return ntapi.ProcessInfo{
		Process:   ntapi.Handle(pi.Process),
		Thread:    ntapi.Handle(pi.Thread),
		ProcessID: pi.ProcessId,
		ThreadID:  pi.ThreadId,
	}, ntapi.ErrorSuccess
}

// ResumeThread implements ntapi.Processes.
func (s *System) ResumeThread(thread ntapi.Handle) error {
	if _, err := windows.ResumeThread(handle(thread)); err != nil {
		return fmt.Errorf("ResumeThread: %w", err)
	}
	return nil
}

// TerminateProcess implements ntapi.Processes.
func (s *System) TerminateProcess(process ntapi.Handle, exitCode uint32) error {
	if err := windows.TerminateProcess(handle(process), exitCode); err != nil {
		return fmt.Errorf("TerminateProcess: %w", err)
	}
	return nil
}
