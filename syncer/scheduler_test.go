package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/calsync/fetch"
	"github.com/example/calsync/model"
	"github.com/example/calsync/reconcile"
	"github.com/example/calsync/storage/memory"
)

const feedTwoEvents = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:ev-1@remote\r\n" +
	"SUMMARY:Standup\r\n" +
	"DTSTART:20250115T090000Z\r\n" +
	"DTEND:20250115T091500Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:ev-2@remote\r\n" +
	"SUMMARY:Planning\r\n" +
	"DTSTART:20250116T100000Z\r\n" +
	"DTEND:20250116T110000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func fixedClock(at time.Time) Clock {
	return func() time.Time { return at }
}

func newTestScheduler(store *memory.Store, clock Clock) *Scheduler {
	return New(store, fetch.New(nil, nil), reconcile.New(store, nil), clock, nil, Config{})
}

func seedSubscription(t *testing.T, store *memory.Store, url string) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID:                  "sub-1",
		OwnerID:             "alice",
		Name:                "team calendar",
		URL:                 url,
		AutoSync:            true,
		SyncIntervalMinutes: 30,
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func TestSyncNow_ImportsFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(feedTwoEvents))
	}))
	defer server.Close()

	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	sub := seedSubscription(t, store, server.URL)
	s := newTestScheduler(store, fixedClock(now))

	result, err := s.SyncNow(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.Empty(t, result.Errors)

	events, err := store.ListEventsBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	after, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastSyncAt)
	assert.True(t, after.LastSyncAt.Equal(now))
	assert.Empty(t, after.LastSyncError)
	etag, ok := after.ETag.Get()
	require.True(t, ok)
	assert.Equal(t, `"v1"`, etag)
}

func TestSyncNow_NotModifiedIsZeroChangeSuccess(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(feedTwoEvents))
	}))
	defer server.Close()

	first := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	store := memory.New()
	sub := seedSubscription(t, store, server.URL)

	s := newTestScheduler(store, fixedClock(first))
	_, err := s.SyncNow(context.Background(), sub.ID)
	require.NoError(t, err)

	s = newTestScheduler(store, fixedClock(second))
	result, err := s.SyncNow(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Result{}, result)
	assert.Equal(t, int32(2), requests.Load())

	after, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastSyncAt)
	assert.True(t, after.LastSyncAt.Equal(second), "an unchanged feed still counts as a sync")

	events, err := store.ListEventsBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "a 304 must leave stored events alone")
}

func TestSyncNow_FetchFailureRecordsErrorAndKeepsEvents(t *testing.T) {
	feed := feedTwoEvents
	var failing atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(feed))
	}))
	defer server.Close()

	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	sub := seedSubscription(t, store, server.URL)
	s := newTestScheduler(store, fixedClock(now))

	_, err := s.SyncNow(context.Background(), sub.ID)
	require.NoError(t, err)

	failing.Store(true)
	_, err = s.SyncNow(context.Background(), sub.ID)
	require.ErrorIs(t, err, fetch.ErrFeedUnreachable)

	after, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Contains(t, after.LastSyncError, "feed unreachable")

	events, err := store.ListEventsBySubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "a failed sync must not touch events")
}

func TestSyncNow_SecondCallWhileRunningIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte(feedTwoEvents))
	}))
	defer server.Close()

	store := memory.New()
	sub := seedSubscription(t, store, server.URL)
	s := newTestScheduler(store, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.SyncNow(context.Background(), sub.ID)
		done <- err
	}()

	<-entered
	_, err := s.SyncNow(context.Background(), sub.ID)
	assert.ErrorIs(t, err, ErrSyncInFlight)

	close(release)
	require.NoError(t, <-done)
}

func TestRunDue_SyncsOnlyDueSubscriptions(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(feedTwoEvents))
	}))
	defer server.Close()

	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-5 * time.Minute)

	store := memory.New()
	ctx := context.Background()

	// Never synced: due immediately.
	require.NoError(t, store.CreateSubscription(ctx, &model.Subscription{
		ID: "due-never-synced", OwnerID: "alice", URL: server.URL,
		AutoSync: true, SyncIntervalMinutes: 30,
	}))
	// Synced five minutes ago with a 30 minute interval: not due.
	require.NoError(t, store.CreateSubscription(ctx, &model.Subscription{
		ID: "not-due", OwnerID: "alice", URL: server.URL,
		AutoSync: true, SyncIntervalMinutes: 30, LastSyncAt: &recent,
	}))
	// Auto-sync off: never picked up by the scheduler.
	require.NoError(t, store.CreateSubscription(ctx, &model.Subscription{
		ID: "manual-only", OwnerID: "alice", URL: server.URL,
		AutoSync: false, SyncIntervalMinutes: 30,
	}))

	s := newTestScheduler(store, fixedClock(now))
	attempted := s.RunDue(ctx)

	assert.Equal(t, 1, attempted)
	assert.Equal(t, int32(1), hits.Load())

	synced, err := store.GetSubscription(ctx, "due-never-synced")
	require.NoError(t, err)
	assert.NotNil(t, synced.LastSyncAt)

	skipped, err := store.GetSubscription(ctx, "not-due")
	require.NoError(t, err)
	require.NotNil(t, skipped.LastSyncAt)
	assert.True(t, skipped.LastSyncAt.Equal(recent), "a subscription inside its interval must not be touched")
}

func TestSyncNow_FeedShrinksDeletesOrphans(t *testing.T) {
	feed := feedTwoEvents
	var serveBody atomic.Value
	serveBody.Store(feed)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(serveBody.Load().(string)))
	}))
	defer server.Close()

	store := memory.New()
	sub := seedSubscription(t, store, server.URL)
	s := newTestScheduler(store, nil)
	ctx := context.Background()

	_, err := s.SyncNow(ctx, sub.ID)
	require.NoError(t, err)

	// Second fetch returns only the first event.
	shrunk := feed[:strings.Index(feed, "BEGIN:VEVENT\r\nUID:ev-2")] + "END:VCALENDAR\r\n"
	serveBody.Store(shrunk)

	result, err := s.SyncNow(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	events, err := store.ListEventsBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1@remote", events[0].SourceUID)
}
