// Package store defines the sink brokered-call audit events are written to.
package store

import (
	"context"

	"github.com/agentsh/broker/pkg/types"
)

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}
