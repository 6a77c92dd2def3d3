package metrics

import (
	"context"

	"github.com/agentsh/broker/internal/store"
	"github.com/agentsh/broker/pkg/types"
)

// countingStore counts audit traffic on its way to the real sink.
type countingStore struct {
	store.EventStore
	c *Collector
}

// WrapEventStore counts every appended event by type, and every append the
// sink fails, on c. A nil sink stays nil.
func WrapEventStore(inner store.EventStore, c *Collector) store.EventStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &countingStore{EventStore: inner, c: c}
}

func (s *countingStore) AppendEvent(ctx context.Context, ev types.Event) error {
	s.c.IncEvent(ev.Type)
	err := s.EventStore.AppendEvent(ctx, ev)
	if err != nil {
		s.c.IncAuditFailure()
	}
	return err
}
