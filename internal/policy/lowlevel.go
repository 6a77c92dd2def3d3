package policy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/agentsh/broker/internal/crosscall"
)

var (
	// ErrDone is returned when rules are added after Done.
	ErrDone = errors.New("policy: compilation finished")
	// ErrUnsupportedSemantics is returned by rule generators for a
	// semantics value they do not implement.
	ErrUnsupportedSemantics = errors.New("policy: unsupported semantics")
	// ErrNoBaseline is returned when a subsystem's mandatory initial rules
	// have not been installed.
	ErrNoBaseline = errors.New("policy: baseline rules not installed")
)

// TaggedRule pairs a rule with the service it applies to.
type TaggedRule struct {
	Tag  crosscall.Tag
	Rule *Rule
}

// LowLevelPolicy compiles rules into a PolicyGlobal. Rules for a service
// are evaluated in the order they were added. Adding a rule identical to
// one already present for the same service is a successful no-op.
type LowLevelPolicy struct {
	mu          sync.Mutex
	global      *PolicyGlobal
	seen        map[string]struct{}
	rules       []TaggedRule
	initialized map[Subsystem]bool
	done        bool
}

// NewLowLevelPolicy compiles into g.
func NewLowLevelPolicy(g *PolicyGlobal) *LowLevelPolicy {
	return &LowLevelPolicy{
		global:      g,
		seen:        make(map[string]struct{}),
		initialized: make(map[Subsystem]bool),
	}
}

// Global returns the buffer being compiled into.
func (p *LowLevelPolicy) Global() *PolicyGlobal {
	return p.global
}

// AddRule compiles one rule for tag.
func (p *LowLevelPolicy) AddRule(tag crosscall.Tag, rule *Rule) error {
	return p.AddRules(TaggedRule{Tag: tag, Rule: rule})
}

// AddRules compiles a group of rules atomically: either all are added or,
// on any error, none are.
func (p *LowLevelPolicy) AddRules(rules ...TaggedRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return ErrDone
	}

	type pending struct {
		TaggedRule
		key  string
		ops  []Opcode
		cost int
	}
	var todo []pending
	batch := make(map[string]struct{})
	total := 0
	for _, tr := range rules {
		if !tr.Tag.Valid() {
			return fmt.Errorf("%w: %d", ErrBadService, uint32(tr.Tag))
		}
		if tr.Rule == nil || !tr.Rule.Action().IsAction() {
			return fmt.Errorf("%w: rule for %s has no action", ErrBadRule, tr.Tag)
		}
		key := tr.Tag.String() + "|" + tr.Rule.Fingerprint()
		if _, dup := p.seen[key]; dup {
			continue
		}
		if _, dup := batch[key]; dup {
			continue
		}
		batch[key] = struct{}{}
		ops := tr.Rule.Opcodes()
		cost := tr.Rule.Size()
		todo = append(todo, pending{TaggedRule: tr, key: key, ops: ops, cost: cost})
		total += cost
	}
	if !p.global.fits(total) {
		return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrBufferFull, total, p.global.Used(), p.global.Capacity())
	}

	for _, t := range todo {
		if err := p.global.append(t.Tag, t.ops, t.cost); err != nil {
			return err
		}
		p.seen[t.key] = struct{}{}
		p.rules = append(p.rules, t.TaggedRule)
	}
	return nil
}

// MarkInitialized records that sub's baseline rules are installed.
func (p *LowLevelPolicy) MarkInitialized(sub Subsystem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized[sub] = true
}

// Initialized reports whether MarkInitialized was called for sub.
func (p *LowLevelPolicy) Initialized(sub Subsystem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized[sub]
}

// Done freezes the policy. Later AddRule calls fail with ErrDone.
func (p *LowLevelPolicy) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
}

// IsDone reports whether Done was called.
func (p *LowLevelPolicy) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Rules returns the compiled rules in insertion order.
func (p *LowLevelPolicy) Rules() []TaggedRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TaggedRule(nil), p.rules...)
}

// Digest returns a BLAKE3 fingerprint of the compiled rule set. Policies
// that match the same calls in the same order have equal digests.
func (p *LowLevelPolicy) Digest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := blake3.New()
	for _, tr := range p.rules {
		fmt.Fprintf(h, "%d|%s\n", uint32(tr.Tag), tr.Rule.Fingerprint())
	}
	return hex.EncodeToString(h.Sum(nil))
}
