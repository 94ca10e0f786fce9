// Package service exposes the feed engine over HTTP: subscription
// management, forced syncs, windowed event queries and calendar
// import/export.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/example/calsync/codec"
	"github.com/example/calsync/expand"
	"github.com/example/calsync/fetch"
	"github.com/example/calsync/model"
	"github.com/example/calsync/reconcile"
	"github.com/example/calsync/storage"
	"github.com/example/calsync/syncer"
)

// maxImportSize bounds uploaded calendar files.
const maxImportSize = 20 << 20 // 20 MiB

// Server wires the engine components behind a chi router.
type Server struct {
	store      storage.Store
	fetcher    *fetch.Fetcher
	reconciler *reconcile.Reconciler
	scheduler  *syncer.Scheduler
	expander   *expand.Expander
	logger     *slog.Logger
	router     chi.Router
}

// New creates the HTTP surface. A nil logger discards output.
func New(store storage.Store, fetcher *fetch.Fetcher, reconciler *reconcile.Reconciler, scheduler *syncer.Scheduler, expander *expand.Expander, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		store:      store,
		fetcher:    fetcher,
		reconciler: reconciler,
		scheduler:  scheduler,
		expander:   expander,
		logger:     logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", s.handleListSubscriptions)
		r.Post("/", s.handleCreateSubscription)
		r.Get("/{id}", s.handleGetSubscription)
		r.Put("/{id}", s.handleUpdateSubscription)
		r.Delete("/{id}", s.handleDeleteSubscription)
		r.Post("/{id}/sync", s.handleSyncNow)
	})

	r.Get("/events", s.handleListEvents)
	r.Post("/import", s.handleImport)
	r.Get("/export", s.handleExport)

	s.router = r
}

// Router returns the configured handler for mounting into an http.Server.
func (s *Server) Router() http.Handler { return s.router }

// --- Subscriptions ---

type subscriptionRequest struct {
	OwnerID             string `json:"owner_id"`
	Name                string `json:"name"`
	URL                 string `json:"url"`
	Color               string `json:"color"`
	AutoSync            bool   `json:"auto_sync"`
	SyncIntervalMinutes int    `json:"sync_interval_minutes"`
}

type subscriptionResponse struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Color               string     `json:"color,omitempty"`
	AutoSync            bool       `json:"auto_sync"`
	SyncIntervalMinutes int        `json:"sync_interval_minutes"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
	LastSyncError       string     `json:"last_sync_error,omitempty"`
}

type syncCounts struct {
	Added    int `json:"added"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Failures int `json:"failures"`
}

func toSubscriptionResponse(sub model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                  sub.ID,
		OwnerID:             sub.OwnerID,
		Name:                sub.Name,
		URL:                 sub.URL,
		Color:               sub.Color,
		AutoSync:            sub.AutoSync,
		SyncIntervalMinutes: sub.SyncIntervalMinutes,
		LastSyncAt:          sub.LastSyncAt,
		LastSyncError:       sub.LastSyncError,
	}
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionResponse(sub))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSubscriptionResponse(*sub))
}

// handleCreateSubscription validates the feed before persisting anything:
// the URL must fetch and parse as iCalendar, otherwise the subscription is
// rejected and no state changes. On success the parsed events are
// reconciled in immediately.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.SyncIntervalMinutes <= 0 {
		req.SyncIntervalMinutes = 60
	}
	if req.OwnerID == "" {
		req.OwnerID = "default"
	}

	fetched, err := s.fetcher.Fetch(r.Context(), req.URL, mo.None[string](), mo.None[string]())
	if err != nil {
		s.writeError(w, err)
		return
	}
	candidates, err := codec.Parse(string(fetched.Body))
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	sub := model.Subscription{
		ID:                  uuid.NewString(),
		OwnerID:             req.OwnerID,
		Name:                req.Name,
		URL:                 req.URL,
		Color:               req.Color,
		AutoSync:            req.AutoSync,
		SyncIntervalMinutes: req.SyncIntervalMinutes,
		LastSyncAt:          &now,
		ETag:                fetched.ETag,
		LastModified:        fetched.LastModified,
	}
	if err := s.store.CreateSubscription(r.Context(), &sub); err != nil {
		s.writeError(w, err)
		return
	}

	result := s.reconciler.Reconcile(r.Context(), sub.ID, sub.OwnerID, nil, candidates)
	s.logger.Info("subscription created",
		"subscription_id", sub.ID, "url", sub.URL, "added", result.Added)

	s.writeJSON(w, http.StatusCreated, struct {
		Subscription subscriptionResponse `json:"subscription"`
		Sync         syncCounts           `json:"sync"`
	}{toSubscriptionResponse(sub), toCounts(result)})
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SyncIntervalMinutes <= 0 {
		http.Error(w, "sync_interval_minutes must be positive", http.StatusBadRequest)
		return
	}

	// The feed URL is immutable; replacing it means a new subscription.
	sub.Name = req.Name
	sub.Color = req.Color
	sub.AutoSync = req.AutoSync
	sub.SyncIntervalMinutes = req.SyncIntervalMinutes

	if err := s.store.UpdateSubscription(r.Context(), sub); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSubscriptionResponse(*sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSubscription(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("subscription deleted", "subscription_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.SyncNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toCounts(result))
}

// --- Events ---

type instanceResponse struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	Location            string    `json:"location,omitempty"`
	Start               time.Time `json:"start"`
	End                 time.Time `json:"end"`
	AllDay              bool      `json:"all_day"`
	Color               string    `json:"color,omitempty"`
	IsRecurringInstance bool      `json:"is_recurring_instance"`
	OriginalEventID     string    `json:"original_event_id,omitempty"`
	RecurrenceIndex     int       `json:"recurrence_index"`
}

// handleListEvents returns every occurrence intersecting [start, end):
// plain events directly, recurring masters expanded.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	windowStart, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "start must be RFC 3339", http.StatusBadRequest)
		return
	}
	windowEnd, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "end must be RFC 3339", http.StatusBadRequest)
		return
	}
	if !windowStart.Before(windowEnd) {
		http.Error(w, "start must precede end", http.StatusBadRequest)
		return
	}

	events, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	instances := s.expander.Expand(events, windowStart, windowEnd)
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Start.Before(instances[j].Start)
	})

	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceResponse{
			ID:                  inst.ID,
			Title:               inst.Title,
			Description:         inst.Description,
			Location:            inst.Location,
			Start:               inst.Start,
			End:                 inst.End,
			AllDay:              inst.AllDay,
			Color:               inst.Color,
			IsRecurringInstance: inst.IsRecurringInstance,
			OriginalEventID:     inst.OriginalEventID,
			RecurrenceIndex:     inst.RecurrenceIndex,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// --- Import / export ---

// handleImport parses an uploaded iCalendar document and upserts its
// events for the owner. Unlike feed sync, importing never deletes events
// absent from the file.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		ownerID = "default"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportSize))
	if err != nil {
		http.Error(w, "reading upload failed", http.StatusBadRequest)
		return
	}
	candidates, err := codec.Parse(string(body))
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.store.ListEvents(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Match only against previously imported events; feed-sourced events
	// belong to their subscription's cycle.
	previous := make(map[string]model.Event)
	for _, e := range events {
		if e.SourceSubscriptionID == "" && e.SourceUID != "" {
			previous[e.SourceUID] = e
		}
	}

	result := s.reconciler.Upsert(r.Context(), ownerID, previous, candidates)
	s.logger.Info("calendar imported",
		"owner_id", ownerID, "added", result.Added, "updated", result.Updated)
	s.writeJSON(w, http.StatusOK, toCounts(result))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "ics":
		doc, err := codec.Serialize(events)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=calendar.ics")
		fmt.Fprint(w, doc)

	case "xcal":
		doc, err := codec.SerializeXCal(events)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/calendar+xml; charset=utf-8")
		fmt.Fprint(w, doc)

	default:
		http.Error(w, "format must be ics or xcal", http.StatusBadRequest)
	}
}

// --- Helpers ---

func toCounts(result reconcile.Result) syncCounts {
	return syncCounts{
		Added:    result.Added,
		Updated:  result.Updated,
		Deleted:  result.Deleted,
		Failures: len(result.Errors),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writing response failed", "err", err)
	}
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case storage.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, syncer.ErrSyncInFlight):
		status = http.StatusConflict
	case errors.Is(err, fetch.ErrFeedUnreachable):
		status = http.StatusBadGateway
	case errors.Is(err, codec.ErrInvalidFeedFormat):
		status = http.StatusUnprocessableEntity
	default:
		var stErr *storage.Error
		if errors.As(err, &stErr) {
			switch stErr.Type {
			case storage.ErrInvalidInput:
				status = http.StatusBadRequest
			case storage.ErrAlreadyExists:
				status = http.StatusConflict
			}
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}
