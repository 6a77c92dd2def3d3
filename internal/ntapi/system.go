package ntapi

// Handles manages handle tables. Every handle argument is interpreted in the
// broker's own table unless a source or destination process says otherwise.
type Handles interface {
	// DuplicateHandle copies src, valid in srcProcess, into dstProcess.
	// With DuplicateCloseSource the source is closed even when the
	// duplication fails.
	DuplicateHandle(srcProcess, src, dstProcess Handle, access uint32, opts DuplicateOptions) (Handle, error)
	CloseHandle(h Handle) error
	// ObjectName returns the fully qualified native name of the object
	// behind h.
	ObjectName(h Handle) (string, error)
}

// FileRequest carries NtCreateFile/NtOpenFile arguments.
type FileRequest struct {
	Name        string
	Access      uint32
	Attributes  uint32
	ShareAccess uint32
	Disposition uint32
	Options     uint32
}

// FileBasicInfo mirrors FILE_BASIC_INFORMATION.
type FileBasicInfo struct {
	CreationTime   int64
	LastAccessTime int64
	LastWriteTime  int64
	ChangeTime     int64
	Attributes     uint32
}

// FileNetworkOpenInfo mirrors FILE_NETWORK_OPEN_INFORMATION.
type FileNetworkOpenInfo struct {
	FileBasicInfo
	AllocationSize int64
	EndOfFile      int64
}

// FileSystem opens files by native (\??\) path.
type FileSystem interface {
	// CreateFile returns the new handle and the IO_STATUS_BLOCK
	// information value.
	CreateFile(req FileRequest) (Handle, uint32, Status)
	QueryAttributes(name string) (FileBasicInfo, Status)
	QueryFullAttributes(name string) (FileNetworkOpenInfo, Status)
	// Rename renames the file open as file (a broker handle) to newName.
	Rename(file Handle, newName string, replaceIfExists bool) Status
}

// Registry opens keys by native \Registry path.
type Registry interface {
	// CreateKey returns the key handle and RegCreatedNewKey or
	// RegOpenedExistingKey.
	CreateKey(path string, access, options uint32) (Handle, uint32, Status)
	OpenKey(path string, access uint32) (Handle, Status)
}

// PipeRequest carries CreateNamedPipeW arguments.
type PipeRequest struct {
	Name           string
	OpenMode       uint32
	PipeMode       uint32
	MaxInstances   uint32
	OutBufferSize  uint32
	InBufferSize   uint32
	DefaultTimeout uint32
}

// Pipes creates named pipe server instances.
type Pipes interface {
	CreateNamedPipe(req PipeRequest) (Handle, Errno)
}

// Sync creates and opens named events. Names are Win32 object names,
// resolved against the session's BaseNamedObjects directory.
type Sync interface {
	CreateEvent(name string, eventType uint32, initialState bool, access uint32) (Handle, Status)
	OpenEvent(name string, access uint32) (Handle, Status)
}

// ProcessRequest carries CreateProcessW arguments plus the primary token
// the child runs under.
type ProcessRequest struct {
	Application string
	CommandLine string
	CurrentDir  string
	Token       Handle
	Flags       uint32
}

// ProcessInfo mirrors PROCESS_INFORMATION. Handles are broker handles.
type ProcessInfo struct {
	Process   Handle
	Thread    Handle
	ProcessID uint32
	ThreadID  uint32
}

// Processes opens and creates processes and threads.
type Processes interface {
	OpenProcess(pid uint32, access uint32) (Handle, Status)
	OpenThread(tid uint32, access uint32) (Handle, Status)
	ThreadProcessID(tid uint32) (uint32, Status)
	ProcessID(process Handle) (uint32, Status)
	OpenProcessToken(process Handle, access uint32) (Handle, Status)
	CreateProcess(req ProcessRequest) (ProcessInfo, Errno)
	ResumeThread(thread Handle) error
	TerminateProcess(process Handle, exitCode uint32) error
}

// System is the full OS surface the broker uses.
type System interface {
	Handles
	FileSystem
	Registry
	Pipes
	Sync
	Processes
}

// TokenFactory produces the restricted primary token a target runs under.
type TokenFactory interface {
	CreateRestrictedToken(level TokenLevel, integrity IntegrityLevel) (Handle, error)
}

// JobFactory produces the job object bounding a target and reports when a
// job's last process exits.
type JobFactory interface {
	CreateJob(level JobLevel) (Handle, error)
	AssignProcess(job, process Handle) error
	// JobEmpty delivers the broker handle of each job whose active
	// process count dropped to zero.
	JobEmpty() <-chan Handle
}
