package model

import (
	"time"

	"github.com/samber/mo"
)

// Subscription describes an externally hosted calendar feed that is
// periodically fetched and reconciled into the local event store.
//
// Sync metadata (LastSyncAt, LastSyncError, ETag, LastModified) is mutated
// only by that subscription's own sync cycle; name/color/interval belong to
// the owning user.
type Subscription struct {
	ID      string
	OwnerID string
	Name    string
	URL     string
	Color   string

	AutoSync            bool
	SyncIntervalMinutes int // strictly positive

	LastSyncAt    *time.Time
	LastSyncError string

	// HTTP validators from the last successful fetch, used for
	// conditional requests.
	ETag         mo.Option[string]
	LastModified mo.Option[string]
}

// Due reports whether the subscription should be synced at the given time:
// auto-sync is on and it has either never synced or its interval has elapsed.
func (s Subscription) Due(now time.Time) bool {
	if !s.AutoSync {
		return false
	}
	if s.LastSyncAt == nil {
		return true
	}
	next := s.LastSyncAt.Add(time.Duration(s.SyncIntervalMinutes) * time.Minute)
	return !now.Before(next)
}

// Interval returns the sync interval as a duration.
func (s Subscription) Interval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}
