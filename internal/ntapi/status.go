package ntapi

import "fmt"

// Status is an NTSTATUS value as returned by the native API. The zero value
// is STATUS_SUCCESS.
type Status uint32

const (
	StatusSuccess              Status = 0x00000000
	StatusObjectNameExists     Status = 0x40000000
	StatusUnsuccessful         Status = 0xC0000001
	StatusNotImplemented       Status = 0xC0000002
	StatusInvalidHandle        Status = 0xC0000008
	StatusInvalidCid           Status = 0xC000000B
	StatusInvalidParameter     Status = 0xC000000D
	StatusNoMemory             Status = 0xC0000017
	StatusAccessDenied         Status = 0xC0000022
	StatusObjectTypeMismatch   Status = 0xC0000024
	StatusObjectNameInvalid    Status = 0xC0000033
	StatusObjectNameNotFound   Status = 0xC0000034
	StatusObjectNameCollision  Status = 0xC0000035
	StatusObjectPathNotFound   Status = 0xC000003A
	StatusInstanceNotAvailable Status = 0xC00000AB
	StatusFileIsADirectory     Status = 0xC00000BA
	StatusNotSupported         Status = 0xC00000BB
	StatusNotADirectory        Status = 0xC0000103
	StatusProcessIsTerminating Status = 0xC000010A
)

// IsSuccess reports whether s is a success or informational status,
// matching the NT_SUCCESS macro.
func (s Status) IsSuccess() bool {
	return int32(s) >= 0
}

func (s Status) Error() string {
	switch s {
	case StatusSuccess:
		return "STATUS_SUCCESS"
	case StatusObjectNameExists:
		return "STATUS_OBJECT_NAME_EXISTS"
	case StatusUnsuccessful:
		return "STATUS_UNSUCCESSFUL"
	case StatusNotImplemented:
		return "STATUS_NOT_IMPLEMENTED"
	case StatusInvalidHandle:
		return "STATUS_INVALID_HANDLE"
	case StatusInvalidCid:
		return "STATUS_INVALID_CID"
	case StatusInvalidParameter:
		return "STATUS_INVALID_PARAMETER"
	case StatusNoMemory:
		return "STATUS_NO_MEMORY"
	case StatusAccessDenied:
		return "STATUS_ACCESS_DENIED"
	case StatusObjectTypeMismatch:
		return "STATUS_OBJECT_TYPE_MISMATCH"
	case StatusObjectNameInvalid:
		return "STATUS_OBJECT_NAME_INVALID"
	case StatusObjectNameNotFound:
		return "STATUS_OBJECT_NAME_NOT_FOUND"
	case StatusObjectNameCollision:
		return "STATUS_OBJECT_NAME_COLLISION"
	case StatusObjectPathNotFound:
		return "STATUS_OBJECT_PATH_NOT_FOUND"
	case StatusInstanceNotAvailable:
		return "STATUS_INSTANCE_NOT_AVAILABLE"
	case StatusFileIsADirectory:
		return "STATUS_FILE_IS_A_DIRECTORY"
	case StatusNotSupported:
		return "STATUS_NOT_SUPPORTED"
	case StatusNotADirectory:
		return "STATUS_NOT_A_DIRECTORY"
	case StatusProcessIsTerminating:
		return "STATUS_PROCESS_IS_TERMINATING"
	default:
		return fmt.Sprintf("NTSTATUS 0x%08X", uint32(s))
	}
}

// Errno is a Win32 error code, used by the services whose original API
// reports through GetLastError rather than an NTSTATUS.
type Errno uint32

const (
	ErrorSuccess          Errno = 0
	ErrorFileNotFound     Errno = 2
	ErrorAccessDenied     Errno = 5
	ErrorInvalidHandle    Errno = 6
	ErrorNotEnoughMemory  Errno = 8
	ErrorInvalidParameter Errno = 87
	ErrorInvalidName      Errno = 123
	ErrorAlreadyExists    Errno = 183
	ErrorPipeBusy         Errno = 231
)

func (e Errno) Error() string {
	switch e {
	case ErrorSuccess:
		return "ERROR_SUCCESS"
	case ErrorFileNotFound:
		return "ERROR_FILE_NOT_FOUND"
	case ErrorAccessDenied:
		return "ERROR_ACCESS_DENIED"
	case ErrorInvalidHandle:
		return "ERROR_INVALID_HANDLE"
	case ErrorNotEnoughMemory:
		return "ERROR_NOT_ENOUGH_MEMORY"
	case ErrorInvalidParameter:
		return "ERROR_INVALID_PARAMETER"
	case ErrorInvalidName:
		return "ERROR_INVALID_NAME"
	case ErrorAlreadyExists:
		return "ERROR_ALREADY_EXISTS"
	case ErrorPipeBusy:
		return "ERROR_PIPE_BUSY"
	default:
		return fmt.Sprintf("win32 error %d", uint32(e))
	}
}
