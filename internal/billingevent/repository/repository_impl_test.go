package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensing/internal/billingevent/domain"
	"github.com/smallbiznis/licensing/internal/billingevent/repository"
	"github.com/smallbiznis/licensing/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	record := func(id int64) *domain.Record {
		return &domain.Record{
			ID:              snowflakeID(id),
			Provider:        domain.ProviderStripe,
			ProviderEventID: "evt_1",
			EventType:       domain.EventCheckoutCompleted,
			Outcome:         domain.OutcomePending,
			OccurredAt:      now,
			ReceivedAt:      now,
		}
	}

	created, err := repo.Claim(ctx, db, record(1))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Claim(ctx, db, record(2))
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, repo.MarkOutcome(ctx, db, domain.ProviderStripe, "evt_1", domain.OutcomeApplied, now))
	got, err := repo.FindByEventID(ctx, db, domain.ProviderStripe, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OutcomeApplied, got.Outcome)
	assert.EqualValues(t, 1, got.ID)
	require.NotNil(t, got.ProcessedAt)

	missing, err := repo.FindByEventID(ctx, db, domain.ProviderStripe, "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTerminations(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	terminated, err := repo.IsTerminated(ctx, db, "sub_1")
	require.NoError(t, err)
	assert.False(t, terminated)

	tomb := &domain.Termination{SubscriptionRef: "sub_1", ProviderEventID: "evt_del", TerminatedAt: now}
	require.NoError(t, repo.InsertTermination(ctx, db, tomb))
	require.NoError(t, repo.InsertTermination(ctx, db, &domain.Termination{SubscriptionRef: "sub_1", ProviderEventID: "evt_del_again", TerminatedAt: now}))

	terminated, err = repo.IsTerminated(ctx, db, "sub_1")
	require.NoError(t, err)
	assert.True(t, terminated)
}

func TestDeleteReceivedBefore(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, received := range []time.Time{now.Add(-40 * 24 * time.Hour), now.Add(-time.Hour)} {
		_, err := repo.Claim(ctx, db, &domain.Record{
			ID:              snowflakeID(int64(i + 1)),
			Provider:        domain.ProviderStripe,
			ProviderEventID: string(rune('a' + i)),
			EventType:       domain.EventPaymentFailed,
			Outcome:         domain.OutcomeWarning,
			OccurredAt:      received,
			ReceivedAt:      received,
		})
		require.NoError(t, err)
	}

	deleted, err := repo.DeleteReceivedBefore(ctx, db, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	kept, err := repo.FindByEventID(ctx, db, domain.ProviderStripe, "b")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func snowflakeID(v int64) snowflake.ID { return snowflake.ID(v) }
