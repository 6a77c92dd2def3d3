package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentsh/broker/internal/crosscall"
)

// Patch is one function redirected into the broker.
type Patch struct {
	DLL      string        `json:"dll" yaml:"dll"`
	Function string        `json:"function" yaml:"function"`
	Tag      crosscall.Tag `json:"tag" yaml:"tag"`
}

// Manifest is an Interceptor that records patches for delivery to the
// target's interception stub.
type Manifest struct {
	mu      sync.Mutex
	patches map[string]Patch
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{patches: make(map[string]Patch)}
}

// AddToPatchedFunctions implements Interceptor. Redirecting one function to
// two different services is an error; repeating a patch is not.
func (m *Manifest) AddToPatchedFunctions(dll, function string, tag crosscall.Tag) error {
	if dll == "" || function == "" {
		return fmt.Errorf("empty interception target for %s", tag)
	}
	key := strings.ToLower(dll) + "!" + function
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.patches[key]; ok && p.Tag != tag {
		return fmt.Errorf("%s already redirected to %s", key, p.Tag)
	}
	m.patches[key] = Patch{DLL: dll, Function: function, Tag: tag}
	return nil
}

// Patches returns the recorded patches ordered by tag.
func (m *Manifest) Patches() []Patch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Patch, 0, len(m.patches))
	for _, p := range m.patches {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
