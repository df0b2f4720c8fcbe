//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/testutil"
)

func TestPostgresStore_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.PGTest(t))
	require.NoError(t, store.Migrate(ctx))

	sub := &Subscription{
		ID:        "wh_pg1",
		URL:       "https://hooks.example.com/fw",
		Secret:    "whsec_pg",
		Events:    []EventType{EventDecisionRejected, EventDecisionAllowed},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_pg1")
	require.NoError(t, err)
	assert.Equal(t, sub.Events, got.Events)
	assert.Nil(t, got.Codes)
	assert.Nil(t, got.LastSuccess)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.LastSuccess = &now
	got.ConsecutiveFailures = 3
	got.LastError = "status 502"
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
	assert.Equal(t, 3, list[0].ConsecutiveFailures)
	assert.Equal(t, "status 502", list[0].LastError)
	require.NotNil(t, list[0].LastSuccess)
	assert.True(t, now.Equal(*list[0].LastSuccess))

	require.NoError(t, store.Delete(ctx, "wh_pg1"))
	_, err = store.Get(ctx, "wh_pg1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, got), ErrNotFound)
}

func TestPostgresStore_CodesRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.PGTest(t))

	require.NoError(t, store.Create(ctx, &Subscription{
		ID:        "wh_pg2",
		URL:       "https://hooks.example.com/fw",
		Secret:    "whsec_pg",
		Events:    []EventType{EventDecisionRejected},
		Codes:     []string{"limit_period", "limit_per_tx"},
		Active:    true,
		CreatedAt: time.Now(),
	}))
	got, err := store.Get(ctx, "wh_pg2")
	require.NoError(t, err)
	assert.Equal(t, []string{"limit_period", "limit_per_tx"}, got.Codes)
}
