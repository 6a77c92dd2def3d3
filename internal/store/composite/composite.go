// Package composite fans audit events out to several stores. Queries are
// answered by the primary.
package composite

import (
	"context"
	"errors"

	"github.com/agentsh/broker/internal/store"
	"github.com/agentsh/broker/pkg/types"
)

type Store struct {
	primary store.EventStore
	others  []store.EventStore
}

var _ store.EventStore = (*Store)(nil)

func New(primary store.EventStore, others ...store.EventStore) *Store {
	return &Store{primary: primary, others: others}
}

// AppendEvent writes ev to every store, even after one fails, and joins the
// errors.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	errs := []error{s.primary.AppendEvent(ctx, ev)}
	for _, o := range s.others {
		errs = append(errs, o.AppendEvent(ctx, ev))
	}
	return errors.Join(errs...)
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return s.primary.QueryEvents(ctx, q)
}

func (s *Store) Close() error {
	errs := []error{s.primary.Close()}
	for _, o := range s.others {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
