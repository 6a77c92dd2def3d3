package memsys

import (
	"strings"

	"github.com/agentsh/broker/internal/ntapi"
)

const (
	ntPrefix   = `\??\`
	regPrefix  = `\registry\`
	pipePrefix = `\\.\pipe\`
)

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// CreateFile implements ntapi.FileSystem.
func (s *System) CreateFile(req ntapi.FileRequest) (ntapi.Handle, uint32, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !hasFoldPrefix(req.Name, ntPrefix) || len(req.Name) == len(ntPrefix) {
		return ntapi.NullHandle, 0, ntapi.StatusObjectNameInvalid
	}
	key := fold(req.Name)
	obj, exists := s.files[key]

	wantDir := req.Options&ntapi.FileDirectoryFile != 0
	if exists {
		if wantDir && obj.kind != kindDirectory {
			return ntapi.NullHandle, 0, ntapi.StatusNotADirectory
		}
		if req.Options&ntapi.FileNonDirectoryFile != 0 && obj.kind == kindDirectory {
			return ntapi.NullHandle, 0, ntapi.StatusFileIsADirectory
		}
		if obj.attrs&ntapi.FileAttributeReadonly != 0 && req.Access&writeAccess != 0 {
			return ntapi.NullHandle, 0, ntapi.StatusAccessDenied
		}
	}

	var info uint32
	switch req.Disposition {
	case ntapi.FileOpen:
		if !exists {
			return ntapi.NullHandle, 0, ntapi.StatusObjectNameNotFound
		}
		info = ntapi.FileOpened
	case ntapi.FileCreate:
		if exists {
			return ntapi.NullHandle, 0, ntapi.StatusObjectNameCollision
		}
		info = ntapi.FileCreated
	case ntapi.FileOpenIf:
		info = ntapi.FileOpened
		if !exists {
			info = ntapi.FileCreated
		}
	case ntapi.FileOverwrite:
		if !exists {
			return ntapi.NullHandle, 0, ntapi.StatusObjectNameNotFound
		}
		info = ntapi.FileOverwritten
	case ntapi.FileOverwriteIf:
		info = ntapi.FileOverwritten
		if !exists {
			info = ntapi.FileCreated
		}
	case ntapi.FileSupersede:
		info = ntapi.FileSuperseded
		if !exists {
			info = ntapi.FileCreated
		}
	default:
		return ntapi.NullHandle, 0, ntapi.StatusInvalidParameter
	}

	if !exists {
		obj = &object{kind: kindFile, name: req.Name, attrs: req.Attributes}
		if wantDir {
			obj.kind = kindDirectory
			obj.attrs |= ntapi.FileAttributeDirectory
		}
		s.files[key] = obj
	} else if info == ntapi.FileOverwritten || info == ntapi.FileSuperseded {
		obj.size = 0
	}
	return s.broker.alloc(obj, req.Access), info, ntapi.StatusSuccess
}

const writeAccess = ntapi.FileWriteData | ntapi.FileAppendData | ntapi.FileWriteEA |
	ntapi.FileWriteAttributes | ntapi.GenericWrite | ntapi.GenericAll | ntapi.Delete

// QueryAttributes implements ntapi.FileSystem.
func (s *System) QueryAttributes(name string) (ntapi.FileBasicInfo, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.files[fold(name)]
	if !ok {
		return ntapi.FileBasicInfo{}, ntapi.StatusObjectNameNotFound
	}
	return ntapi.FileBasicInfo{Attributes: obj.attrs}, ntapi.StatusSuccess
}

// QueryFullAttributes implements ntapi.FileSystem.
func (s *System) QueryFullAttributes(name string) (ntapi.FileNetworkOpenInfo, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.files[fold(name)]
	if !ok {
		return ntapi.FileNetworkOpenInfo{}, ntapi.StatusObjectNameNotFound
	}
	return ntapi.FileNetworkOpenInfo{
		FileBasicInfo: ntapi.FileBasicInfo{Attributes: obj.attrs},
		EndOfFile:     obj.size,
	}, ntapi.StatusSuccess
}

// Rename implements ntapi.FileSystem.
func (s *System) Rename(file ntapi.Handle, newName string, replaceIfExists bool) ntapi.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, st := s.entry(file, 0)
	if st != ntapi.StatusSuccess {
		return st
	}
	if e.obj.kind != kindFile && e.obj.kind != kindDirectory {
		return ntapi.StatusObjectTypeMismatch
	}
	if !hasFoldPrefix(newName, ntPrefix) {
		return ntapi.StatusObjectNameInvalid
	}
	newKey := fold(newName)
	if existing, ok := s.files[newKey]; ok && existing != e.obj {
		if !replaceIfExists {
			return ntapi.StatusObjectNameCollision
		}
	}
	delete(s.files, fold(e.obj.name))
	e.obj.name = newName
	s.files[newKey] = e.obj
	return ntapi.StatusSuccess
}

func parentKey(path string) string {
	i := strings.LastIndexByte(path, '\\')
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// CreateKey implements ntapi.Registry.
func (s *System) CreateKey(path string, access, options uint32) (ntapi.Handle, uint32, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !hasFoldPrefix(path, regPrefix) {
		return ntapi.NullHandle, 0, ntapi.StatusObjectPathNotFound
	}
	if obj, ok := s.keys[fold(path)]; ok {
		return s.broker.alloc(obj, access), ntapi.RegOpenedExistingKey, ntapi.StatusSuccess
	}
	if _, ok := s.keys[fold(parentKey(path))]; !ok {
		return ntapi.NullHandle, 0, ntapi.StatusObjectNameNotFound
	}
	obj := &object{kind: kindKey, name: path}
	s.keys[fold(path)] = obj
	return s.broker.alloc(obj, access), ntapi.RegCreatedNewKey, ntapi.StatusSuccess
}

// OpenKey implements ntapi.Registry.
func (s *System) OpenKey(path string, access uint32) (ntapi.Handle, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.keys[fold(path)]
	if !ok {
		return ntapi.NullHandle, ntapi.StatusObjectNameNotFound
	}
	return s.broker.alloc(obj, access), ntapi.StatusSuccess
}

// CreateNamedPipe implements ntapi.Pipes.
func (s *System) CreateNamedPipe(req ntapi.PipeRequest) (ntapi.Handle, ntapi.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !hasFoldPrefix(req.Name, pipePrefix) || len(req.Name) == len(pipePrefix) {
		return ntapi.NullHandle, ntapi.ErrorInvalidName
	}
	if req.MaxInstances == 0 || req.MaxInstances > ntapi.PipeUnlimitedInstances {
		return ntapi.NullHandle, ntapi.ErrorInvalidParameter
	}
	if req.OpenMode&ntapi.PipeAccessDuplex == 0 {
		return ntapi.NullHandle, ntapi.ErrorInvalidParameter
	}

	key := fold(req.Name)
	f, exists := s.pipes[key]
	if exists {
		if req.OpenMode&ntapi.FileFlagFirstPipeInstance != 0 {
			return ntapi.NullHandle, ntapi.ErrorAccessDenied
		}
		if f.instances >= f.maxInstances {
			return ntapi.NullHandle, ntapi.ErrorPipeBusy
		}
	} else {
		f = &pipeFamily{name: req.Name, maxInstances: req.MaxInstances}
		s.pipes[key] = f
	}
	f.instances++

	var access uint32 = ntapi.Synchronize
	if req.OpenMode&ntapi.PipeAccessInbound != 0 {
		access |= ntapi.GenericRead
	}
	if req.OpenMode&ntapi.PipeAccessOutbound != 0 {
		access |= ntapi.GenericWrite
	}
	obj := &object{kind: kindPipe, name: req.Name, family: f}
	return s.broker.alloc(obj, access), ntapi.ErrorSuccess
}

// CreateEvent implements ntapi.Sync. Creating an existing named event opens
// it and reports StatusObjectNameExists.
func (s *System) CreateEvent(name string, eventType uint32, initialState bool, access uint32) (ntapi.Handle, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventType != ntapi.NotificationEvent && eventType != ntapi.SynchronizationEvent {
		return ntapi.NullHandle, ntapi.StatusInvalidParameter
	}
	if name != "" {
		if obj, ok := s.events[fold(name)]; ok {
			return s.broker.alloc(obj, access), ntapi.StatusObjectNameExists
		}
	}
	obj := &object{kind: kindEvent, name: name, eventType: eventType, signaled: initialState}
	if name != "" {
		s.events[fold(name)] = obj
	}
	return s.broker.alloc(obj, access), ntapi.StatusSuccess
}

// OpenEvent implements ntapi.Sync.
func (s *System) OpenEvent(name string, access uint32) (ntapi.Handle, ntapi.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.events[fold(name)]
	if !ok || name == "" {
		return ntapi.NullHandle, ntapi.StatusObjectNameNotFound
	}
	return s.broker.alloc(obj, access), ntapi.StatusSuccess
}
