// Package broker is the policy broker: it owns the compiled policy and the
// dispatch table, registers targets and answers their brokered calls.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/broker/internal/crosscall"
	"github.com/agentsh/broker/internal/dispatch"
	"github.com/agentsh/broker/internal/metrics"
	"github.com/agentsh/broker/internal/ntapi"
	"github.com/agentsh/broker/internal/policy"
	"github.com/agentsh/broker/internal/resource/filesystem"
	"github.com/agentsh/broker/internal/resource/namedpipe"
	"github.com/agentsh/broker/internal/resource/process"
	"github.com/agentsh/broker/internal/resource/registry"
	syncpolicy "github.com/agentsh/broker/internal/resource/sync"
	"github.com/agentsh/broker/internal/store"
)

var (
	ErrFrozen          = errors.New("broker: policy is frozen")
	ErrDuplicateTarget = errors.New("broker: target already registered")
	ErrUnknownTarget   = errors.New("broker: unknown target")
	ErrDestroyed       = errors.New("broker: destroyed")
	ErrNoLauncher      = errors.New("broker: no token or job factory configured")
	ErrNoSubsystem     = errors.New("broker: subsystem not configured")
)

// State is the broker lifecycle position.
type State int

const (
	StateUnconfigured State = iota
	StateRulesAdded
	StateFrozen
	StateRunning
	StateEmpty
	StateDestroyed
)

var stateNames = [...]string{"unconfigured", "rules_added", "frozen", "running", "empty", "destroyed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Limits are the restrictions spawned targets run under.
type Limits struct {
	Token     ntapi.TokenLevel
	Job       ntapi.JobLevel
	Integrity ntapi.IntegrityLevel
}

// Options configure a Broker. Sys is required; everything else is
// optional. With no Policies, StandardPolicies is used.
type Options struct {
	Sys    ntapi.System
	Tokens ntapi.TokenFactory
	Jobs   ntapi.JobFactory

	Policies   []dispatch.ResourcePolicy
	BufferSize int
	Limits     Limits
	UserSID    string

	Logger  *slog.Logger
	Store   store.EventStore
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// StandardPolicies returns one policy per subsystem. Process rules are
// checked against limits.Token and HKCU rules resolve through sid.
func StandardPolicies(limits Limits, sid string) []dispatch.ResourcePolicy {
	return []dispatch.ResourcePolicy{
		filesystem.New(),
		namedpipe.New(),
		syncpolicy.New(),
		registry.New(sid),
		process.New(limits.Token),
	}
}

// Broker is safe for concurrent use once frozen. Calls from one target are
// handled one at a time by that target's connection.
type Broker struct {
	sys     ntapi.System
	tokens  ntapi.TokenFactory
	jobs    ntapi.JobFactory
	limits  Limits
	logger  *slog.Logger
	store   store.EventStore
	metrics *metrics.Collector
	tracer  trace.Tracer

	policy   *policy.LowLevelPolicy
	table    *dispatch.Table
	bySubsys map[policy.Subsystem]dispatch.ResourcePolicy
	started  time.Time

	mu        sync.RWMutex
	state     State
	digest    string
	targets   map[string]*Target
	byJob     map[ntapi.Handle]*Target
	emptied   chan struct{}
	emptyOnce sync.Once
}

// New builds the broker, installs every policy's initial rules and the
// dispatch table.
func New(opts Options) (*Broker, error) {
	if opts.Sys == nil {
		return nil, errors.New("broker: no OS implementation")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	policies := opts.Policies
	if len(policies) == 0 {
		policies = StandardPolicies(opts.Limits, opts.UserSID)
	}

	llp := policy.NewLowLevelPolicy(policy.NewPolicyGlobal(opts.BufferSize))
	bySubsys := make(map[policy.Subsystem]dispatch.ResourcePolicy, len(policies))
	for _, rp := range policies {
		if err := rp.SetInitialRules(llp); err != nil {
			return nil, fmt.Errorf("initial rules for %s: %w", rp.Subsystem(), err)
		}
		bySubsys[rp.Subsystem()] = rp
	}
	table, err := dispatch.NewTable(policies...)
	if err != nil {
		return nil, err
	}

	return &Broker{
		sys:      opts.Sys,
		tokens:   opts.Tokens,
		jobs:     opts.Jobs,
		limits:   opts.Limits,
		logger:   logger,
		store:    opts.Store,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		policy:   llp,
		table:    table,
		bySubsys: bySubsys,
		started:  time.Now(),
		targets:  make(map[string]*Target),
		byJob:    make(map[ntapi.Handle]*Target),
		emptied:  make(chan struct{}),
	}, nil
}

// State returns the lifecycle state.
func (b *Broker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Emptied is closed when the last target exits after at least one ran.
func (b *Broker) Emptied() <-chan struct{} { return b.emptied }

// Policy returns the compiled policy.
func (b *Broker) Policy() *policy.LowLevelPolicy { return b.policy }

// Table returns the dispatch table.
func (b *Broker) Table() *dispatch.Table { return b.table }

// AddRule declares that pattern may be accessed in subsystem with the given
// semantics. It fails with ErrFrozen once a target has been added.
func (b *Broker) AddRule(sub policy.Subsystem, sem policy.Semantics, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state >= StateFrozen {
		return ErrFrozen
	}
	rp, ok := b.bySubsys[sub]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSubsystem, sub)
	}
	if sem.Subsystem() != sub {
		return fmt.Errorf("%w: %s for %s", policy.ErrUnsupportedSemantics, sem, sub)
	}
	if err := rp.GenerateRules(pattern, sem, b.policy); err != nil {
		return fmt.Errorf("rule %s %q: %w", sem, pattern, err)
	}
	b.state = StateRulesAdded
	b.logger.Debug("rule added", "semantics", sem.String(), "pattern", pattern)
	return nil
}

// Freeze makes the policy read-only and returns its digest. It is called by
// the first AddTarget and is idempotent.
func (b *Broker) Freeze() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freezeLocked()
}

func (b *Broker) freezeLocked() string {
	if b.state < StateFrozen {
		b.policy.Done()
		b.digest = b.policy.Digest()
		b.state = StateFrozen
		g := b.policy.Global()
		b.logger.Info("policy frozen",
			"digest", b.digest,
			"rules", len(b.policy.Rules()),
			"used", g.Used(),
			"capacity", g.Capacity())
	}
	return b.digest
}

// Digest returns the frozen policy digest, or "" before freezing.
func (b *Broker) Digest() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.digest
}

// EvalPolicy decides one call. It never panics: a fault anywhere in
// evaluation is reported as EvalError.
func (b *Broker) EvalPolicy(tag crosscall.Tag, ps *policy.ParamSet) (result policy.EvalResult) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("policy evaluation panicked", "service", tag, "panic", r)
			result = policy.EvalError
		}
	}()
	if !tag.Valid() {
		return policy.DenyAccess
	}
	p := policy.NewProcessor(b.policy.Global().Stream(tag))
	switch p.Evaluate(ps) {
	case policy.PolicyMatch:
		return p.Action()
	case policy.PolicyError:
		return policy.EvalError
	default:
		return policy.DenyAccess
	}
}

// SetupServices installs the interceptions for every registered service.
func (b *Broker) SetupServices(ic dispatch.Interceptor) error {
	return b.table.SetupServices(ic, b.table.Tags())
}

// Uptime is the time since New.
func (b *Broker) Uptime() time.Duration { return time.Since(b.started) }

// Close terminates every remaining target and releases its handles.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil
	}
	b.state = StateDestroyed
	targets := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		targets = append(targets, t)
	}
	b.targets = map[string]*Target{}
	b.byJob = map[ntapi.Handle]*Target{}
	b.mu.Unlock()

	var errs []error
	for _, t := range targets {
		t.Terminate("broker shutdown")
		errs = append(errs, t.release())
	}
	return errors.Join(errs...)
}
