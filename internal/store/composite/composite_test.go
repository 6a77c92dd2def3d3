package composite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/pkg/types"
)

type fakeEventStore struct {
	appendErr error
	appended  int
	closed    bool
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev types.Event) error {
	f.appended++
	return f.appendErr
}
func (f *fakeEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return []types.Event{{ID: "x"}}, nil
}
func (f *fakeEventStore) Close() error { f.closed = true; return nil }

func TestAppendEventReachesEveryStore(t *testing.T) {
	errPrimary := errors.New("primary")
	errSecondary := errors.New("secondary")
	primary := &fakeEventStore{appendErr: errPrimary}
	secondary := &fakeEventStore{appendErr: errSecondary}
	third := &fakeEventStore{}
	s := New(primary, secondary, third)

	err := s.AppendEvent(context.Background(), types.Event{ID: "1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errPrimary)
	assert.ErrorIs(t, err, errSecondary)
	assert.Equal(t, 1, primary.appended)
	assert.Equal(t, 1, secondary.appended)
	assert.Equal(t, 1, third.appended)
}

func TestAppendEventSucceeds(t *testing.T) {
	s := New(&fakeEventStore{}, &fakeEventStore{})
	assert.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: "1"}))
}

func TestQueryUsesPrimary(t *testing.T) {
	s := New(&fakeEventStore{})
	got, err := s.QueryEvents(context.Background(), types.EventQuery{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)
}

func TestClosePropagates(t *testing.T) {
	primary := &fakeEventStore{}
	other := &fakeEventStore{}
	s := New(primary, other)
	require.NoError(t, s.Close())
	assert.True(t, primary.closed)
	assert.True(t, other.closed)
}
