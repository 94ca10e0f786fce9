// Package memory provides an in-memory Store, used by tests and as the
// default backend when no database is configured.
package memory

import (
	"context"
	"sync"

	"github.com/example/calsync/model"
	"github.com/example/calsync/storage"
)

// Store implements storage.Store using mutex-guarded maps.
type Store struct {
	mu            sync.RWMutex
	events        map[string]model.Event
	subscriptions map[string]model.Subscription
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:        make(map[string]model.Event),
		subscriptions: make(map[string]model.Subscription),
	}
}

// Event operations

func (s *Store) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
	}
	return &event, nil
}

func (s *Store) ListEvents(_ context.Context, ownerID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []model.Event
	for _, event := range s.events {
		if ownerID == "" || event.OwnerID == ownerID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (s *Store) ListEventsBySubscription(_ context.Context, subscriptionID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []model.Event
	for _, event := range s.events {
		if event.SourceSubscriptionID == subscriptionID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (s *Store) CreateEvent(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "event id is required"}
	}
	if _, exists := s.events[event.ID]; exists {
		return &storage.Error{Type: storage.ErrAlreadyExists, Message: "event already exists"}
	}
	s.events[event.ID] = *event
	return nil
}

func (s *Store) UpdateEvent(_ context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; !exists {
		return &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
	}
	s.events[event.ID] = *event
	return nil
}

func (s *Store) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[id]; !exists {
		return &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
	}
	delete(s.events, id)
	return nil
}

// Subscription operations

func (s *Store) GetSubscription(_ context.Context, id string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "subscription not found"}
	}
	return &sub, nil
}

func (s *Store) ListSubscriptions(_ context.Context) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]model.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Store) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "subscription id is required"}
	}
	if sub.SyncIntervalMinutes <= 0 {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "sync interval must be positive"}
	}
	if _, exists := s.subscriptions[sub.ID]; exists {
		return &storage.Error{Type: storage.ErrAlreadyExists, Message: "subscription already exists"}
	}
	s.subscriptions[sub.ID] = *sub
	return nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID]; !exists {
		return &storage.Error{Type: storage.ErrNotFound, Message: "subscription not found"}
	}
	s.subscriptions[sub.ID] = *sub
	return nil
}

// DeleteSubscription removes the subscription and every event sourced from it.
func (s *Store) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[id]; !exists {
		return &storage.Error{Type: storage.ErrNotFound, Message: "subscription not found"}
	}
	delete(s.subscriptions, id)

	for eventID, event := range s.events {
		if event.SourceSubscriptionID == id {
			delete(s.events, eventID)
		}
	}
	return nil
}
