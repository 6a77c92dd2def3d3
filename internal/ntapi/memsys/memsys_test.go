package memsys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/internal/ntapi"
)

func TestCreateFileDispositions(t *testing.T) {
	s := New()
	name := `\??\C:\work\a.txt`

	_, _, st := s.CreateFile(ntapi.FileRequest{Name: name, Access: ntapi.GenericRead, Disposition: ntapi.FileOpen})
	assert.Equal(t, ntapi.StatusObjectNameNotFound, st)

	h, info, st := s.CreateFile(ntapi.FileRequest{Name: name, Access: ntapi.GenericWrite, Disposition: ntapi.FileCreate})
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, ntapi.FileCreated, info)
	assert.NotEqual(t, ntapi.NullHandle, h)

	_, _, st = s.CreateFile(ntapi.FileRequest{Name: name, Disposition: ntapi.FileCreate})
	assert.Equal(t, ntapi.StatusObjectNameCollision, st)

	_, info, st = s.CreateFile(ntapi.FileRequest{Name: `\??\C:\WORK\A.TXT`, Disposition: ntapi.FileOpenIf})
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, ntapi.FileOpened, info)

	_, _, st = s.CreateFile(ntapi.FileRequest{Name: `C:\work\a.txt`, Disposition: ntapi.FileOpen})
	assert.Equal(t, ntapi.StatusObjectNameInvalid, st)
}

func TestReadonlyFileRejectsWrite(t *testing.T) {
	s := New()
	s.AddFile(`\??\C:\ro.txt`, ntapi.FileAttributeReadonly)

	_, _, st := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\ro.txt`, Access: ntapi.FileWriteData, Disposition: ntapi.FileOpen})
	assert.Equal(t, ntapi.StatusAccessDenied, st)

	_, _, st = s.CreateFile(ntapi.FileRequest{Name: `\??\C:\ro.txt`, Access: ntapi.FileReadData, Disposition: ntapi.FileOpen})
	assert.Equal(t, ntapi.StatusSuccess, st)
}

func TestRename(t *testing.T) {
	s := New()
	h, _, st := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\a`, Access: ntapi.Delete, Disposition: ntapi.FileCreate})
	require.Equal(t, ntapi.StatusSuccess, st)
	s.AddFile(`\??\C:\b`, 0)

	assert.Equal(t, ntapi.StatusObjectNameCollision, s.Rename(h, `\??\C:\b`, false))
	assert.Equal(t, ntapi.StatusSuccess, s.Rename(h, `\??\C:\c`, false))
	assert.False(t, s.HasFile(`\??\C:\a`))
	assert.True(t, s.HasFile(`\??\C:\c`))

	name, err := s.ObjectName(h)
	require.NoError(t, err)
	assert.Equal(t, `\??\C:\c`, name)
}

func TestRegistryKeys(t *testing.T) {
	s := New()

	_, _, st := s.CreateKey(`\Registry\Machine\Software\Acme\Sub`, ntapi.KeyAllAccess, 0)
	assert.Equal(t, ntapi.StatusObjectNameNotFound, st)

	s.AddKey(`\Registry\Machine\Software\Acme`)
	assert.True(t, s.HasKey(`\Registry\Machine\Software`))

	_, disp, st := s.CreateKey(`\Registry\Machine\Software\Acme\Sub`, ntapi.KeyAllAccess, 0)
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, ntapi.RegCreatedNewKey, disp)

	_, disp, st = s.CreateKey(`\registry\machine\software\acme\sub`, ntapi.KeyRead, 0)
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, ntapi.RegOpenedExistingKey, disp)

	_, st = s.OpenKey(`\Registry\Machine\Nope`, ntapi.KeyRead)
	assert.Equal(t, ntapi.StatusObjectNameNotFound, st)
}

func TestNamedPipeInstances(t *testing.T) {
	s := New()
	req := ntapi.PipeRequest{Name: `\\.\pipe\chrome.1`, OpenMode: ntapi.PipeAccessDuplex, MaxInstances: 1}

	h, errno := s.CreateNamedPipe(req)
	require.Equal(t, ntapi.ErrorSuccess, errno)
	assert.Equal(t, 1, s.PipeInstances(req.Name))

	_, errno = s.CreateNamedPipe(req)
	assert.Equal(t, ntapi.ErrorPipeBusy, errno)

	require.NoError(t, s.CloseHandle(h))
	assert.Equal(t, 0, s.PipeInstances(req.Name))

	_, errno = s.CreateNamedPipe(ntapi.PipeRequest{Name: `\\.\pipe\x`, OpenMode: ntapi.PipeAccessDuplex})
	assert.Equal(t, ntapi.ErrorInvalidParameter, errno)

	_, errno = s.CreateNamedPipe(ntapi.PipeRequest{Name: `\\server\pipe\x`, OpenMode: ntapi.PipeAccessDuplex, MaxInstances: 1})
	assert.Equal(t, ntapi.ErrorInvalidName, errno)
}

func TestEventsShareNamespaceUntilLastClose(t *testing.T) {
	s := New()
	name := `\BaseNamedObjects\ready`

	h1, st := s.CreateEvent(name, ntapi.NotificationEvent, false, ntapi.EventAllAccess)
	require.Equal(t, ntapi.StatusSuccess, st)
	h2, st := s.CreateEvent(name, ntapi.NotificationEvent, false, ntapi.EventAllAccess)
	assert.Equal(t, ntapi.StatusObjectNameExists, st)
	assert.True(t, st.IsSuccess())

	require.NoError(t, s.CloseHandle(h1))
	_, st = s.OpenEvent(name, ntapi.Synchronize)
	require.Equal(t, ntapi.StatusSuccess, st)

	require.NoError(t, s.CloseHandle(h2))
	// The handle opened above still keeps the name alive.
	_, st = s.OpenEvent(name, ntapi.Synchronize)
	assert.Equal(t, ntapi.StatusSuccess, st)

	_, st = s.CreateEvent(name, 7, false, 0)
	assert.Equal(t, ntapi.StatusInvalidParameter, st)
}

func TestDuplicateIntoTarget(t *testing.T) {
	s := New()
	pid, target := s.NewTarget("target.exe")
	h, _, st := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\f`, Access: ntapi.GenericAll, Disposition: ntapi.FileCreate})
	require.Equal(t, ntapi.StatusSuccess, st)
	before := s.OpenHandles(s.BrokerPID())

	dup, err := s.DuplicateHandle(ntapi.CurrentProcess, h, target, ntapi.GenericRead, ntapi.DuplicateCloseSource)
	require.NoError(t, err)

	info, ok := s.Lookup(pid, dup)
	require.True(t, ok)
	assert.Equal(t, ntapi.GenericRead, info.Access)
	assert.Equal(t, "file", info.Kind)
	assert.Equal(t, before-1, s.OpenHandles(s.BrokerPID()))
}

func TestDuplicateFailureStillClosesSource(t *testing.T) {
	s := New()
	_, target := s.NewTarget("target.exe")
	h, _, st := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\f`, Disposition: ntapi.FileCreate})
	require.Equal(t, ntapi.StatusSuccess, st)

	s.FailDuplicates(1)
	_, err := s.DuplicateHandle(ntapi.CurrentProcess, h, target, 0, ntapi.DuplicateCloseSource|ntapi.DuplicateSameAccess)
	assert.ErrorIs(t, err, ntapi.StatusAccessDenied)

	_, ok := s.Lookup(s.BrokerPID(), h)
	assert.False(t, ok)
}

func TestScopedTransfer(t *testing.T) {
	s := New()
	pid, target := s.NewTarget("target.exe")
	h, _, _ := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\f`, Access: ntapi.FileReadData, Disposition: ntapi.FileCreate})

	sc := ntapi.NewScoped(s, h)
	dup, err := sc.TransferTo(target)
	require.NoError(t, err)
	sc.Close()

	info, ok := s.Lookup(pid, dup)
	require.True(t, ok)
	assert.Equal(t, ntapi.FileReadData, info.Access)

	_, err = sc.TransferTo(target)
	assert.ErrorIs(t, err, ntapi.StatusInvalidHandle)
}

func TestScopedCloseWithoutTransfer(t *testing.T) {
	s := New()
	h, _, _ := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\f`, Disposition: ntapi.FileCreate})
	before := s.OpenHandles(s.BrokerPID())

	sc := ntapi.NewScoped(s, h)
	sc.Close()
	sc.Close()
	assert.Equal(t, before-1, s.OpenHandles(s.BrokerPID()))
}

func TestScopedRelease(t *testing.T) {
	s := New()
	h, _, _ := s.CreateFile(ntapi.FileRequest{Name: `\??\C:\f`, Disposition: ntapi.FileCreate})
	before := s.OpenHandles(s.BrokerPID())

	sc := ntapi.NewScoped(s, h)
	assert.Equal(t, h, sc.Release())
	sc.Close()
	assert.Equal(t, before, s.OpenHandles(s.BrokerPID()))
	require.NoError(t, s.CloseHandle(h))
}

func TestProcessesAndThreads(t *testing.T) {
	s := New()
	pid, target := s.NewTarget("target.exe")
	tid := s.NewThread(pid)
	require.NotZero(t, tid)

	got, st := s.ThreadProcessID(tid)
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, pid, got)

	got, st = s.ProcessID(target)
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, pid, got)

	got, st = s.ProcessID(ntapi.CurrentProcess)
	require.Equal(t, ntapi.StatusSuccess, st)
	assert.Equal(t, s.BrokerPID(), got)

	_, st = s.OpenProcess(99999, ntapi.ProcessQueryInformation)
	assert.Equal(t, ntapi.StatusInvalidCid, st)
	_, st = s.OpenThread(99999, ntapi.ThreadQueryInformation)
	assert.Equal(t, ntapi.StatusInvalidCid, st)

	tok, st := s.OpenProcessToken(target, ntapi.TokenQuery)
	require.Equal(t, ntapi.StatusSuccess, st)
	info, ok := s.Lookup(s.BrokerPID(), tok)
	require.True(t, ok)
	assert.Equal(t, "token", info.Kind)
}

func TestCreateProcessSuspendedAndJobEmpty(t *testing.T) {
	s := New()
	tok, err := s.CreateRestrictedToken(ntapi.UserLockdown, ntapi.IntegrityLow)
	require.NoError(t, err)
	job, err := s.CreateJob(ntapi.JobLockdown)
	require.NoError(t, err)

	pi, errno := s.CreateProcess(ntapi.ProcessRequest{Application: `C:\t.exe`, Token: tok, Flags: ntapi.CreateSuspended})
	require.Equal(t, ntapi.ErrorSuccess, errno)
	assert.True(t, s.Suspended(pi.ThreadID))

	require.NoError(t, s.AssignProcess(job, pi.Process))
	assert.ErrorIs(t, s.AssignProcess(job, pi.Process), ntapi.StatusAccessDenied)

	require.NoError(t, s.ResumeThread(pi.Thread))
	assert.False(t, s.Suspended(pi.ThreadID))

	require.NoError(t, s.TerminateProcess(pi.Process, 1))
	assert.True(t, s.Exited(pi.ProcessID))
	select {
	case h := <-s.JobEmpty():
		assert.Equal(t, job, h)
	default:
		t.Fatal("job empty notification not delivered")
	}

	_, err = s.DuplicateHandle(ntapi.CurrentProcess, tok, pi.Process, 0, ntapi.DuplicateSameAccess)
	assert.ErrorIs(t, err, ntapi.StatusProcessIsTerminating)
}

func TestCannotTerminateBroker(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.TerminateProcess(ntapi.CurrentProcess, 0), ntapi.StatusAccessDenied)
}

func TestGive(t *testing.T) {
	s := New()
	pid, _ := s.NewTarget("target.exe")
	s.AddKey(`\Registry\Machine\Software`)

	h := s.Give(pid, `\Registry\Machine\Software`, ntapi.KeyRead)
	require.NotEqual(t, ntapi.NullHandle, h)
	info, ok := s.Lookup(pid, h)
	require.True(t, ok)
	assert.Equal(t, `\Registry\Machine\Software`, info.Name)

	assert.Equal(t, ntapi.NullHandle, s.Give(pid, `\Registry\Nope`, 0))
}
