//go:build integration

package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrollhq/entitlement/internal/testutil"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func seedSubject(t *testing.T, store *PostgresStore, id string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateSubject(context.Background(), &Subject{
		ID:              id,
		Kind:            KindIndividual,
		Name:            "Integration Subject",
		Email:           "it@example.com",
		TotalPriceCents: 200000,
		State:           StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
}

func TestPostgresCreateSubjectRejectsDuplicate(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	seedSubject(t, store, "sub_pg_1")
	err := store.CreateSubject(context.Background(), &Subject{ID: "sub_pg_1", State: StatePending})
	assert.ErrorIs(t, err, ErrSubjectExists)
}

func TestPostgresApplyEventCommitsAtomically(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	seedSubject(t, store, "sub_pg_1")

	ev := &LifecycleEvent{
		ID:         "evt_pg_1",
		Kind:       EventCheckoutCompleted,
		SubjectID:  "sub_pg_1",
		OccurredAt: time.Now(),
	}
	res, err := store.ApplyEvent(ctx, ev, func(s *Subject, o *RecurringObligation) (*Decision, error) {
		return &Decision{
			NewState: StateActive,
			Note:     "deposit paid",
			CreateObligation: &RecurringObligation{
				SubjectID:         "sub_pg_1",
				InstallmentsTotal: 20,
			},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, res.From)
	assert.Equal(t, StateActive, res.To)
	assert.False(t, res.Duplicate)

	subj, err := store.GetSubject(ctx, "sub_pg_1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, subj.State)

	ob, err := store.GetObligation(ctx, "sub_pg_1")
	require.NoError(t, err)
	require.NotNil(t, ob)
	assert.Equal(t, 20, ob.InstallmentsTotal)

	hist, err := store.ListTransitions(ctx, "sub_pg_1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "evt_pg_1", hist[0].EventID)
}

func TestPostgresApplyEventReplaysDuplicate(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	seedSubject(t, store, "sub_pg_1")

	ev := &LifecycleEvent{
		ID:         "evt_pg_dup",
		Kind:       EventCheckoutCompleted,
		SubjectID:  "sub_pg_1",
		OccurredAt: time.Now(),
	}
	decide := func(s *Subject, o *RecurringObligation) (*Decision, error) {
		return &Decision{NewState: StateCompleted, Note: "paid in full"}, nil
	}

	first, err := store.ApplyEvent(ctx, ev, decide)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	decideCalled := false
	second, err := store.ApplyEvent(ctx, ev, func(s *Subject, o *RecurringObligation) (*Decision, error) {
		decideCalled = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, decideCalled)
	assert.Equal(t, first.From, second.From)
	assert.Equal(t, first.To, second.To)
	assert.Equal(t, first.Note, second.Note)

	hist, err := store.ListTransitions(ctx, "sub_pg_1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestPostgresApplyEventRollsBackOnDecideError(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	seedSubject(t, store, "sub_pg_1")

	ev := &LifecycleEvent{
		ID:         "evt_pg_err",
		Kind:       EventChargeSucceeded,
		SubjectID:  "sub_pg_1",
		OccurredAt: time.Now(),
	}
	_, err := store.ApplyEvent(ctx, ev, func(s *Subject, o *RecurringObligation) (*Decision, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)

	// Nothing committed, so a retry with the same event ID is not a
	// duplicate.
	res, err := store.ApplyEvent(ctx, ev, func(s *Subject, o *RecurringObligation) (*Decision, error) {
		return &Decision{NewState: s.State, OutOfOrder: true, Note: "retry"}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestPostgresAdminTransitionAndExpiry(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()
	ctx := context.Background()

	seedSubject(t, store, "sub_pg_1")

	past := time.Now().Add(-time.Hour)
	subj, err := store.AdminTransition(ctx, "sub_pg_1", "activate with past expiry",
		func(s *Subject, o *RecurringObligation) (AccessState, error) {
			s.ExpiresAt = &past
			return StateActive, nil
		})
	require.NoError(t, err)
	assert.Equal(t, StateActive, subj.State)

	due, err := store.ListExpirable(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sub_pg_1", due[0].ID)

	_, err = store.AdminTransition(ctx, "sub_pg_1", "access window elapsed",
		func(s *Subject, o *RecurringObligation) (AccessState, error) {
			return StateExpired, nil
		})
	require.NoError(t, err)

	due, err = store.ListExpirable(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	hist, err := store.ListTransitions(ctx, "sub_pg_1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.Empty(t, hist[0].EventID)
}
