// Package storage defines the abstract event/subscription store the engine
// runs against. The engine never talks to a concrete database directly.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/calsync/model"
)

// ErrorType classifies storage failures.
type ErrorType string

const (
	ErrNotFound      ErrorType = "not_found"
	ErrAlreadyExists ErrorType = "already_exists"
	ErrInvalidInput  ErrorType = "invalid_input"
	ErrUnavailable   ErrorType = "unavailable"
)

// Error represents a storage-related error.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == ErrNotFound
}

// EventStore persists event master records. Implementations must provide
// per-row atomicity for each call; cross-row transactions over a whole
// reconciliation are not required.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	// ListEvents returns events for one owner, or all events when
	// ownerID is empty.
	ListEvents(ctx context.Context, ownerID string) ([]model.Event, error)
	// ListEventsBySubscription returns the events sourced from one
	// subscription, the previous snapshot a reconciliation starts from.
	ListEventsBySubscription(ctx context.Context, subscriptionID string) ([]model.Event, error)
	CreateEvent(ctx context.Context, event *model.Event) error
	UpdateEvent(ctx context.Context, event *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// SubscriptionStore persists calendar feed subscriptions. Deleting a
// subscription cascades deletion of every event sourced from it.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
}

// Store is the full persistence surface the engine depends on.
type Store interface {
	EventStore
	SubscriptionStore
}
