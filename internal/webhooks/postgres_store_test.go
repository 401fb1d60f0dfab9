//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/tierpass/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	sub := &Subscription{
		ID:        "wh_1",
		Owner:     "0x00000000000000000000000000000000000000B2",
		URL:       "https://hooks.example.com/tierpass",
		Secret:    "s3cret",
		Events:    []string{"Mint", "Lapsed"},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, []string{"Mint", "Lapsed"}, got.Events)

	byOwner, err := store.ListByOwner(ctx, "0x00000000000000000000000000000000000000b2")
	require.NoError(t, err)
	assert.Len(t, byOwner, 1, "owner lookups are case-insensitive")

	got.Active = false
	got.ConsecutiveFailures = 3
	got.LastError = "status 500"
	require.NoError(t, store.Update(ctx, got))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, got), ErrNotFound)
}
