package policy

import (
	"errors"
	"fmt"

	"github.com/agentsh/broker/internal/crosscall"
)

var (
	// ErrBufferFull is returned when a rule does not fit in the compiled
	// policy buffer. Rules compiled earlier are unaffected.
	ErrBufferFull = errors.New("policy: buffer full")
	// ErrBadService is returned for a tag outside the service range.
	ErrBadService = errors.New("policy: service out of range")
)

// DefaultBufferSize matches fourteen 4 KiB pages.
const DefaultBufferSize = 14 * 4096

// entrySize is the accounting cost of one per-service table slot.
const entrySize = 8

// PolicyGlobal holds the compiled opcode stream of every service in a
// buffer of fixed capacity. The per-service table is charged up front.
type PolicyGlobal struct {
	capacity int
	used     int
	entries  [crosscall.TagLast][]Opcode
}

// NewPolicyGlobal allocates a buffer of size bytes; size <= 0 selects
// DefaultBufferSize.
func NewPolicyGlobal(size int) *PolicyGlobal {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &PolicyGlobal{capacity: size, used: int(crosscall.TagLast) * entrySize}
}

// Capacity returns the fixed buffer size.
func (g *PolicyGlobal) Capacity() int { return g.capacity }

// Used returns the bytes consumed so far, including the service table.
func (g *PolicyGlobal) Used() int { return g.used }

// Stream returns the opcodes compiled for tag, or nil when the service has
// no rule.
func (g *PolicyGlobal) Stream(tag crosscall.Tag) []Opcode {
	if !tag.Valid() {
		return nil
	}
	return g.entries[tag]
}

// fits reports whether n more bytes can be stored.
func (g *PolicyGlobal) fits(n int) bool {
	return g.used+n <= g.capacity
}

func (g *PolicyGlobal) append(tag crosscall.Tag, ops []Opcode, cost int) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: %d", ErrBadService, uint32(tag))
	}
	if !g.fits(cost) {
		return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrBufferFull, cost, g.used, g.capacity)
	}
	g.entries[tag] = append(g.entries[tag], ops...)
	g.used += cost
	return nil
}
