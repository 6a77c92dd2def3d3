package ntapi

// Standard and generic access rights.
const (
	Delete               uint32 = 0x00010000
	ReadControl          uint32 = 0x00020000
	WriteDAC             uint32 = 0x00040000
	WriteOwner           uint32 = 0x00080000
	Synchronize          uint32 = 0x00100000
	AccessSystemSecurity uint32 = 0x01000000
	MaximumAllowed       uint32 = 0x02000000
	GenericAll           uint32 = 0x10000000
	GenericExecute       uint32 = 0x20000000
	GenericWrite         uint32 = 0x40000000
	GenericRead          uint32 = 0x80000000
)

// File access rights.
const (
	FileReadData        uint32 = 0x0001
	FileWriteData       uint32 = 0x0002
	FileAppendData      uint32 = 0x0004
	FileReadEA          uint32 = 0x0008
	FileWriteEA         uint32 = 0x0010
	FileExecute         uint32 = 0x0020
	FileDeleteChild     uint32 = 0x0040
	FileReadAttributes  uint32 = 0x0080
	FileWriteAttributes uint32 = 0x0100
)

// NtCreateFile dispositions.
const (
	FileSupersede   uint32 = 0
	FileOpen        uint32 = 1
	FileCreate      uint32 = 2
	FileOpenIf      uint32 = 3
	FileOverwrite   uint32 = 4
	FileOverwriteIf uint32 = 5
)

// IO_STATUS_BLOCK.Information values reported by NtCreateFile.
const (
	FileSuperseded   uint32 = 0
	FileOpened       uint32 = 1
	FileCreated      uint32 = 2
	FileOverwritten  uint32 = 3
	FileExists       uint32 = 4
	FileDoesNotExist uint32 = 5
)

// NtCreateFile create options.
const (
	FileDirectoryFile    uint32 = 0x00000001
	FileNonDirectoryFile uint32 = 0x00000040
	FileDeleteOnClose    uint32 = 0x00001000
	FileOpenReparsePoint uint32 = 0x00200000
)

// File attributes.
const (
	FileAttributeReadonly  uint32 = 0x00000001
	FileAttributeDirectory uint32 = 0x00000010
	FileAttributeNormal    uint32 = 0x00000080
)

// Registry key access rights.
const (
	KeyQueryValue       uint32 = 0x0001
	KeySetValue         uint32 = 0x0002
	KeyCreateSubKey     uint32 = 0x0004
	KeyEnumerateSubKeys uint32 = 0x0008
	KeyNotify           uint32 = 0x0010
	KeyCreateLink       uint32 = 0x0020
	KeyWow6464Key       uint32 = 0x0100
	KeyWow6432Key       uint32 = 0x0200
	KeyRead             uint32 = ReadControl | KeyQueryValue | KeyEnumerateSubKeys | KeyNotify
	KeyWrite            uint32 = ReadControl | KeySetValue | KeyCreateSubKey
	KeyAllAccess        uint32 = 0x000F003F
)

// NtCreateKey dispositions.
const (
	RegCreatedNewKey     uint32 = 1
	RegOpenedExistingKey uint32 = 2
)

// Named pipe open modes.
const (
	PipeAccessInbound         uint32 = 0x00000001
	PipeAccessOutbound        uint32 = 0x00000002
	PipeAccessDuplex          uint32 = 0x00000003
	FileFlagFirstPipeInstance uint32 = 0x00080000
	FileFlagOverlapped        uint32 = 0x40000000
	PipeUnlimitedInstances    uint32 = 255
)

// Event access rights and types.
const (
	EventQueryState  uint32 = 0x0001
	EventModifyState uint32 = 0x0002
	EventAllAccess   uint32 = 0x001F0003

	NotificationEvent    uint32 = 0
	SynchronizationEvent uint32 = 1
)

// Process and thread access rights.
const (
	ProcessTerminate               uint32 = 0x0001
	ProcessCreateThread            uint32 = 0x0002
	ProcessVMOperation             uint32 = 0x0008
	ProcessVMRead                  uint32 = 0x0010
	ProcessVMWrite                 uint32 = 0x0020
	ProcessDupHandle               uint32 = 0x0040
	ProcessSetInformation          uint32 = 0x0200
	ProcessQueryInformation        uint32 = 0x0400
	ProcessSuspendResume           uint32 = 0x0800
	ProcessQueryLimitedInformation uint32 = 0x1000
	ProcessAllAccess               uint32 = 0x001FFFFF

	ThreadTerminate               uint32 = 0x0001
	ThreadSuspendResume           uint32 = 0x0002
	ThreadGetContext              uint32 = 0x0008
	ThreadSetContext              uint32 = 0x0010
	ThreadQueryInformation        uint32 = 0x0040
	ThreadQueryLimitedInformation uint32 = 0x0800
	ThreadAllAccess               uint32 = 0x001FFFFF

	TokenQuery     uint32 = 0x0008
	TokenAllAccess uint32 = 0x000F01FF
)

// Process creation flags.
const (
	CreateSuspended        uint32 = 0x00000004
	CreateBreakawayFromJob uint32 = 0x01000000
)
