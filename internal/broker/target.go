package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/pkg/types"
)

var (
	_ crosscall.Handler           = (*Target)(nil)
	_ crosscall.DisconnectHandler = (*Target)(nil)
	_ dispatch.Evaluator          = (*Broker)(nil)
)

// Target is one sandboxed process registered with the broker. Its calls are
// answered by OnMessageReady on the connection bound with Token.
type Target struct {
	ID     string
	Token  string
	Client dispatch.Client

	broker     *Broker
	env        *dispatch.Env
	mu         sync.Mutex
	terminated atomic.Bool
	released   atomic.Bool
}

// PID returns the target's process id.
func (t *Target) PID() uint32 { return t.Client.PID }

// Terminated reports whether the broker has killed the target.
func (t *Target) Terminated() bool { return t.terminated.Load() }

// Terminate kills the target process. Only the first call has any effect.
func (t *Target) Terminate(reason string) {
	if !t.terminated.CompareAndSwap(false, true) {
		return
	}
	b := t.broker
	if err := b.sys.TerminateProcess(t.Client.Process, 1); err != nil {
		b.logger.Warn("terminate target", "target", t.ID, "pid", t.Client.PID, "error", err)
	}
	b.metrics.IncTerminated()
	b.logger.Warn("target terminated", "target", t.ID, "pid", t.Client.PID, "reason", reason)
	b.audit(types.Event{
		Type:     types.EventTerminated,
		TargetID: t.ID,
		PID:      int(t.Client.PID),
		Fields:   map[string]any{"reason": reason},
	})
}

func (t *Target) release() error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, h := range []ntapi.Handle{t.Client.Process, t.Client.Job} {
		if h != ntapi.NullHandle {
			errs = append(errs, t.broker.sys.CloseHandle(h))
		}
	}
	return errors.Join(errs...)
}

// OnDisconnect terminates the target when its connection ended on a
// malformed message.
func (t *Target) OnDisconnect(err error) {
	if errors.Is(err, crosscall.ErrProtocol) {
		t.Terminate("protocol violation: " + err.Error())
	}
}

// AddTarget registers an already running process. Ownership of the
// process and job handles in client moves to the broker. The first call
// freezes the policy.
func (b *Broker) AddTarget(client dispatch.Client) (*Target, error) {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil, ErrDestroyed
	}
	for _, t := range b.targets {
		if t.Client.PID == client.PID {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: pid %d", ErrDuplicateTarget, client.PID)
		}
	}
	if client.Job != ntapi.NullHandle {
		if _, ok := b.byJob[client.Job]; ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: job %#x", ErrDuplicateTarget, uint64(client.Job))
		}
	}
	b.freezeLocked()

	t := &Target{
		ID:     uuid.NewString(),
		Token:  uuid.NewString(),
		Client: client,
		broker: b,
	}
	jobs := b.jobs
	if client.Job == ntapi.NullHandle {
		jobs = nil
	}
	t.env = &dispatch.Env{
		Sys:    b.sys,
		Jobs:   jobs,
		Client: client,
		Logger: b.logger.With("target", t.ID, "pid", client.PID),
	}
	b.targets[t.Token] = t
	if client.Job != ntapi.NullHandle {
		b.byJob[client.Job] = t
	}
	b.state = StateRunning
	b.mu.Unlock()

	b.logger.Info("target added", "target", t.ID, "pid", client.PID, "token_level", client.TokenLevel.String())
	b.audit(types.Event{
		Type:     types.EventTargetAdded,
		TargetID: t.ID,
		PID:      int(client.PID),
		Fields:   map[string]any{"token_level": client.TokenLevel.String()},
	})
	return t, nil
}

// SpawnRequest describes a target to launch.
type SpawnRequest struct {
	Application string
	CommandLine string
	CurrentDir  string
	// Suspended leaves the main thread suspended; the caller resumes it
	// with ResumeTarget.
	Suspended bool
}

// Spawned is a launched target and, when the launch was suspended, its
// main thread.
type Spawned struct {
	*Target
	Thread   ntapi.Handle
	ThreadID uint32
}

// SpawnTarget creates a process under the configured restricted token and
// job, registers it and resumes it unless req.Suspended.
func (b *Broker) SpawnTarget(ctx context.Context, req SpawnRequest) (*Spawned, error) {
	if b.tokens == nil || b.jobs == nil {
		return nil, ErrNoLauncher
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.State() == StateDestroyed {
		return nil, ErrDestroyed
	}

	tokenH, err := b.tokens.CreateRestrictedToken(b.limits.Token, b.limits.Integrity)
	if err != nil {
		return nil, fmt.Errorf("restricted token: %w", err)
	}
	token := ntapi.NewScoped(b.sys, tokenH)
	defer token.Close()

	jobH, err := b.jobs.CreateJob(b.limits.Job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	job := ntapi.NewScoped(b.sys, jobH)
	defer job.Close()

	info, errno := b.sys.CreateProcess(ntapi.ProcessRequest{
		Application: req.Application,
		CommandLine: req.CommandLine,
		CurrentDir:  req.CurrentDir,
		Token:       token.Get(),
		Flags:       ntapi.CreateSuspended,
	})
	if errno != ntapi.ErrorSuccess {
		return nil, fmt.Errorf("create process: %w", errno)
	}
	proc := ntapi.NewScoped(b.sys, info.Process)
	defer proc.Close()
	thread := ntapi.NewScoped(b.sys, info.Thread)
	defer thread.Close()

	kill := func() { _ = b.sys.TerminateProcess(info.Process, 1) }
	if err := b.jobs.AssignProcess(jobH, info.Process); err != nil {
		kill()
		return nil, fmt.Errorf("assign job: %w", err)
	}

	t, err := b.AddTarget(dispatch.Client{
		Process:    info.Process,
		PID:        info.ProcessID,
		Job:        jobH,
		TokenLevel: b.limits.Token,
	})
	if err != nil {
		kill()
		return nil, err
	}
	proc.Release()
	job.Release()

	if req.Suspended {
		return &Spawned{Target: t, Thread: thread.Release(), ThreadID: info.ThreadID}, nil
	}
	if err := b.sys.ResumeThread(thread.Get()); err != nil {
		t.Terminate("resume failed")
		return nil, fmt.Errorf("resume target: %w", err)
	}
	return &Spawned{Target: t, ThreadID: info.ThreadID}, nil
}

// ResumeTarget resumes and closes a thread returned by a suspended spawn.
func (b *Broker) ResumeTarget(s *Spawned) error {
	if s.Thread == ntapi.NullHandle {
		return nil
	}
	thread := ntapi.NewScoped(b.sys, s.Thread)
	defer thread.Close()
	s.Thread = ntapi.NullHandle
	return b.sys.ResumeThread(thread.Get())
}

// Target returns the target bound to token.
func (b *Broker) Target(token string) (*Target, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.targets[token]
	return t, ok
}

// TargetCount returns the number of registered targets.
func (b *Broker) TargetCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.targets)
}

// OnJobEmpty removes the target whose job has no live process left. It
// reports whether a target was removed.
func (b *Broker) OnJobEmpty(job ntapi.Handle) bool {
	b.mu.Lock()
	t, ok := b.byJob[job]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.byJob, job)
	delete(b.targets, t.Token)
	if len(b.targets) == 0 && b.state == StateRunning {
		b.state = StateEmpty
		b.emptyOnce.Do(func() { close(b.emptied) })
	}
	b.mu.Unlock()

	if err := t.release(); err != nil {
		b.logger.Warn("release target handles", "target", t.ID, "error", err)
	}
	b.logger.Info("target exited", "target", t.ID, "pid", t.Client.PID)
	b.audit(types.Event{
		Type:     types.EventTargetExited,
		TargetID: t.ID,
		PID:      int(t.Client.PID),
	})
	return true
}

// WatchJobs removes targets as their jobs empty until ctx is done.
func (b *Broker) WatchJobs(ctx context.Context) {
	if b.jobs == nil {
		return
	}
	ch := b.jobs.JobEmpty()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-ch:
			if !ok {
				return
			}
			b.OnJobEmpty(job)
		}
	}
}
