package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/broker/pkg/types"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func decision(id, target, service, resource string, d types.Decision, ts time.Time) types.Event {
	return types.Event{
		ID:        id,
		Timestamp: ts,
		Type:      types.EventDecision,
		TargetID:  target,
		Service:   service,
		Resource:  resource,
		Policy:    &types.PolicyInfo{Decision: d, Evaluated: true},
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Now().UTC()

	evs := []types.Event{
		decision("e1", "t1", "NtOpenKey", `\Registry\Machine\Software\A`, types.DecisionAllow, base),
		decision("e2", "t1", "NtCreateFile", `\??\c:\temp\x`, types.DecisionDeny, base.Add(time.Millisecond)),
		decision("e3", "t2", "NtOpenKey", `\Registry\User\S-1\B`, types.DecisionDeny, base.Add(2*time.Millisecond)),
	}
	for _, ev := range evs {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.QueryEvents(ctx, types.EventQuery{TargetID: "t1", Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	require.NotNil(t, got[1].Policy)
	assert.Equal(t, types.DecisionDeny, got[1].Policy.Decision)

	deny := types.DecisionDeny
	got, err = s.QueryEvents(ctx, types.EventQuery{Decision: &deny})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e3", got[0].ID, "newest first by default")

	got, err = s.QueryEvents(ctx, types.EventQuery{ResourcePrefix: `\Registry\`})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryEvents(ctx, types.EventQuery{Service: "NtOpenKey", TargetID: "t2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e3", got[0].ID)
}

func TestAppendRequiresID(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.AppendEvent(context.Background(), types.Event{Type: types.EventDecision}))
}

func TestDecisionCounts(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.AppendEvent(ctx, decision("a", "t1", "NtOpenKey", "k", types.DecisionAllow, now)))
	require.NoError(t, s.AppendEvent(ctx, decision("b", "t1", "NtOpenKey", "k", types.DecisionAllow, now)))
	require.NoError(t, s.AppendEvent(ctx, decision("c", "t2", "NtOpenKey", "k", types.DecisionDeny, now)))
	require.NoError(t, s.AppendEvent(ctx, types.Event{ID: "d", Type: types.EventTargetAdded, TargetID: "t1"}))

	all, err := s.DecisionCounts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"NtOpenKey/allow": 2, "NtOpenKey/deny": 1}, all)

	one, err := s.DecisionCounts(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"NtOpenKey/deny": 1}, one)
}
