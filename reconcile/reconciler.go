// Package reconcile computes and applies the add/update/delete plan that
// brings locally stored events in line with a freshly fetched feed.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/calsync/codec"
	"github.com/example/calsync/model"
	"github.com/example/calsync/storage"
)

// Result reports what a reconciliation actually did. Counts reflect final
// per-row outcomes; rows that failed are in Errors and not counted.
type Result struct {
	Added   int
	Updated int
	Deleted int
	Errors  []error
}

// Failed reports whether any per-row operation failed.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

// Reconciler applies candidate events against the abstract event store.
type Reconciler struct {
	store  storage.EventStore
	logger *slog.Logger
}

// New creates a Reconciler. A nil logger discards output.
func New(store storage.EventStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile treats candidates as the complete authoritative state of the
// remote feed: candidates matching a previous event by uid become updates,
// unknown uids become creates, and previously stored events absent from the
// candidate set are deleted. Each row is attempted independently; one
// failure never blocks the rest. Re-running with identical input is a
// no-op.
func (r *Reconciler) Reconcile(ctx context.Context, subscriptionID, ownerID string, previous map[string]model.Event, candidates []codec.CandidateEvent) Result {
	return r.run(ctx, subscriptionID, ownerID, previous, candidates, true)
}

// Upsert applies candidates with the same identity-key rule but never
// deletes unseen events. Manual file imports use this: an import must not
// wipe events that happen to be missing from the file.
func (r *Reconciler) Upsert(ctx context.Context, ownerID string, previous map[string]model.Event, candidates []codec.CandidateEvent) Result {
	return r.run(ctx, "", ownerID, previous, candidates, false)
}

func (r *Reconciler) run(ctx context.Context, subscriptionID, ownerID string, previous map[string]model.Event, candidates []codec.CandidateEvent, deleteOrphans bool) Result {
	var result Result

	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		if seen[candidate.UID] {
			// Duplicate uid within one feed: first wins.
			continue
		}
		seen[candidate.UID] = true

		if prev, ok := previous[candidate.UID]; ok {
			updated := applyCandidate(prev, candidate)
			if eventsEquivalent(prev, updated) {
				continue
			}
			if err := r.store.UpdateEvent(ctx, &updated); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("update %q: %w", candidate.UID, err))
				continue
			}
			result.Updated++
			continue
		}

		created := newEvent(subscriptionID, ownerID, candidate)
		if err := r.store.CreateEvent(ctx, &created); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("create %q: %w", candidate.UID, err))
			continue
		}
		result.Added++
	}

	if deleteOrphans {
		for uid, prev := range previous {
			if seen[uid] {
				continue
			}
			if err := r.store.DeleteEvent(ctx, prev.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %q: %w", uid, err))
				continue
			}
			result.Deleted++
		}
	}

	if result.Failed() {
		r.logger.Warn("reconciliation finished with row failures",
			"subscription_id", subscriptionID,
			"added", result.Added, "updated", result.Updated, "deleted", result.Deleted,
			"failures", len(result.Errors))
	}

	return result
}

// applyCandidate carries the candidate's content onto the stored event.
// The stored id and SourceUID never change; the uid is the identity key,
// the local id is storage-internal.
func applyCandidate(prev model.Event, c codec.CandidateEvent) model.Event {
	updated := prev
	updated.Title = c.Title
	updated.Start = c.Start
	updated.End = c.End
	updated.Description = c.Description
	updated.Location = c.Location
	updated.RRule = c.RRule
	updated.ExDates = c.ExDates
	updated.AllDay = c.AllDay
	return updated
}

func newEvent(subscriptionID, ownerID string, c codec.CandidateEvent) model.Event {
	return model.Event{
		ID:                   uuid.NewString(),
		OwnerID:              ownerID,
		Title:                c.Title,
		Description:          c.Description,
		Location:             c.Location,
		Start:                c.Start,
		End:                  c.End,
		AllDay:               c.AllDay,
		RRule:                c.RRule,
		ExDates:              c.ExDates,
		SourceSubscriptionID: subscriptionID,
		SourceUID:            c.UID,
	}
}

// eventsEquivalent compares the fields a feed is allowed to change.
func eventsEquivalent(a, b model.Event) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Location != b.Location ||
		a.RRule != b.RRule || a.AllDay != b.AllDay {
		return false
	}
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
		return false
	}
	return exDatesEqual(a.ExDates, b.ExDates)
}

func exDatesEqual(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
