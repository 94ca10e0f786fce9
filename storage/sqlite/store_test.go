package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/calsync/model"
	"github.com/example/calsync/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEventRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	anchor := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	event := &model.Event{
		ID:                   "e1",
		OwnerID:              "alice",
		Title:                "sprint review",
		Color:                "#00ff00",
		Description:          "demo day",
		Location:             "hq",
		Start:                time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		End:                  time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
		AllDay:               false,
		RRule:                "FREQ=WEEKLY;COUNT=4",
		DTStart:              &anchor,
		Duration:             90 * time.Minute,
		ExDates:              []time.Time{time.Date(2025, 2, 8, 8, 0, 0, 0, time.UTC)},
		SourceSubscriptionID: "sub-1",
		SourceUID:            "u1@example.com",
	}

	require.NoError(t, store.CreateEvent(ctx, event))

	got, err := store.GetEvent(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, event.Title, got.Title)
	assert.Equal(t, event.RRule, got.RRule)
	assert.Equal(t, event.Duration, got.Duration)
	assert.True(t, got.Start.Equal(event.Start))
	assert.True(t, got.End.Equal(event.End))
	require.NotNil(t, got.DTStart)
	assert.True(t, got.DTStart.Equal(anchor))
	require.Len(t, got.ExDates, 1)
	assert.True(t, got.ExDates[0].Equal(event.ExDates[0]))
	assert.Equal(t, "sub-1", got.SourceSubscriptionID)
	assert.Equal(t, "u1@example.com", got.SourceUID)
}

func TestEventUpdateDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := &model.Event{
		ID:    "e1",
		Title: "before",
		Start: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateEvent(ctx, event))
	assert.Error(t, store.CreateEvent(ctx, event))

	event.Title = "after"
	require.NoError(t, store.UpdateEvent(ctx, event))

	got, err := store.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)

	require.NoError(t, store.DeleteEvent(ctx, "e1"))
	_, err = store.GetEvent(ctx, "e1")
	assert.True(t, storage.IsNotFound(err))
	assert.True(t, storage.IsNotFound(store.UpdateEvent(ctx, event)))
}

func TestSubscriptionRoundTripAndCascade(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lastSync := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	sub := &model.Subscription{
		ID:                  "sub-1",
		OwnerID:             "alice",
		Name:                "team feed",
		URL:                 "https://example.com/cal.ics",
		Color:               "#ff0000",
		AutoSync:            true,
		SyncIntervalMinutes: 30,
		LastSyncAt:          &lastSync,
		LastSyncError:       "",
		ETag:                mo.Some(`"abc123"`),
		LastModified:        mo.Some("Wed, 01 Jan 2025 00:00:00 GMT"),
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	got, err := store.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.Name, got.Name)
	assert.True(t, got.AutoSync)
	assert.Equal(t, 30, got.SyncIntervalMinutes)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(lastSync))
	etag, ok := got.ETag.Get()
	require.True(t, ok)
	assert.Equal(t, `"abc123"`, etag)

	require.NoError(t, store.CreateEvent(ctx, &model.Event{
		ID: "e1", SourceSubscriptionID: "sub-1", SourceUID: "u1",
		Start: lastSync, End: lastSync.Add(time.Hour),
	}))
	require.NoError(t, store.CreateEvent(ctx, &model.Event{
		ID: "e2",
		Start: lastSync, End: lastSync.Add(time.Hour),
	}))

	require.NoError(t, store.DeleteSubscription(ctx, "sub-1"))
	_, err = store.GetSubscription(ctx, "sub-1")
	assert.True(t, storage.IsNotFound(err))

	events, err := store.ListEvents(ctx, "")
	require.NoError(t, err)
	require.Len(t, events, 1, "sourced events must be cascade-deleted")
	assert.Equal(t, "e2", events[0].ID)
}

func TestSubscriptionValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateSubscription(ctx, &model.Subscription{ID: "bad", URL: "x", SyncIntervalMinutes: 0})
	assert.Error(t, err, "non-positive interval must be rejected")
}

func TestListEventsBySubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.CreateEvent(ctx, &model.Event{ID: "a", SourceSubscriptionID: "s1", SourceUID: "u1", Start: now, End: now.Add(time.Hour)}))
	require.NoError(t, store.CreateEvent(ctx, &model.Event{ID: "b", SourceSubscriptionID: "s2", SourceUID: "u2", Start: now, End: now.Add(time.Hour)}))

	got, err := store.ListEventsBySubscription(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}
