// Package sqlite provides a SQLite-backed Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"
	_ "modernc.org/sqlite"

	"github.com/example/calsync/model"
	"github.com/example/calsync/storage"
)

// Store implements storage.Store on a SQLite database.
type Store struct {
	conn *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens or creates a SQLite database at the given path and bootstraps
// the schema.
func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// WAL improves concurrent read behavior during sync cycles.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		all_day INTEGER NOT NULL DEFAULT 0,
		rrule TEXT NOT NULL DEFAULT '',
		dtstart INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		exdates TEXT NOT NULL DEFAULT '',
		source_subscription_id TEXT NOT NULL DEFAULT '',
		source_uid TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner_id);
	CREATE INDEX IF NOT EXISTS idx_events_subscription ON events(source_subscription_id);
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		auto_sync INTEGER NOT NULL DEFAULT 1,
		sync_interval_minutes INTEGER NOT NULL DEFAULT 60,
		last_sync_at INTEGER,
		last_sync_error TEXT NOT NULL DEFAULT '',
		etag TEXT,
		last_modified TEXT
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Event operations

const eventColumns = `id, owner_id, title, color, description, location,
	start_at, end_at, all_day, rrule, dtstart, duration_ms, exdates,
	source_subscription_id, source_uid`

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
	}
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "query event", Err: err}
	}
	return event, nil
}

func (s *Store) ListEvents(ctx context.Context, ownerID string) ([]model.Event, error) {
	query := "SELECT " + eventColumns + " FROM events"
	args := []any{}
	if ownerID != "" {
		query += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	query += " ORDER BY start_at"
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) ListEventsBySubscription(ctx context.Context, subscriptionID string) ([]model.Event, error) {
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE source_subscription_id = ? ORDER BY start_at",
		subscriptionID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "query events", Err: err}
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "scan event", Err: err}
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func (s *Store) CreateEvent(ctx context.Context, event *model.Event) error {
	if event.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "event id is required"}
	}
	var dtstart *int64
	if event.DTStart != nil {
		ms := event.DTStart.UnixMilli()
		dtstart = &ms
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.OwnerID, event.Title, event.Color, event.Description, event.Location,
		event.Start.UnixMilli(), event.End.UnixMilli(), boolToInt(event.AllDay),
		event.RRule, dtstart, event.Duration.Milliseconds(), encodeExDates(event.ExDates),
		event.SourceSubscriptionID, event.SourceUID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &storage.Error{Type: storage.ErrAlreadyExists, Message: "event already exists", Err: err}
		}
		return &storage.Error{Type: storage.ErrUnavailable, Message: "insert event", Err: err}
	}
	return nil
}

func (s *Store) UpdateEvent(ctx context.Context, event *model.Event) error {
	var dtstart *int64
	if event.DTStart != nil {
		ms := event.DTStart.UnixMilli()
		dtstart = &ms
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE events SET owner_id = ?, title = ?, color = ?, description = ?, location = ?,
			start_at = ?, end_at = ?, all_day = ?, rrule = ?, dtstart = ?, duration_ms = ?,
			exdates = ?, source_subscription_id = ?, source_uid = ?
		WHERE id = ?`,
		event.OwnerID, event.Title, event.Color, event.Description, event.Location,
		event.Start.UnixMilli(), event.End.UnixMilli(), boolToInt(event.AllDay),
		event.RRule, dtstart, event.Duration.Milliseconds(), encodeExDates(event.ExDates),
		event.SourceSubscriptionID, event.SourceUID, event.ID)
	if err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "update event", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
	}
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "delete event", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.Error{Type: storage.ErrNotFound, Message: "event not found"}
	}
	return nil
}

// Subscription operations

const subscriptionColumns = `id, owner_id, name, url, color, auto_sync,
	sync_interval_minutes, last_sync_at, last_sync_error, etag, last_modified`

func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?", id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, &storage.Error{Type: storage.ErrNotFound, Message: "subscription not found"}
	}
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "query subscription", Err: err}
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions ORDER BY name")
	if err != nil {
		return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "query subscriptions", Err: err}
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, &storage.Error{Type: storage.ErrUnavailable, Message: "scan subscription", Err: err}
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == "" {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "subscription id is required"}
	}
	if sub.SyncIntervalMinutes <= 0 {
		return &storage.Error{Type: storage.ErrInvalidInput, Message: "sync interval must be positive"}
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.OwnerID, sub.Name, sub.URL, sub.Color, boolToInt(sub.AutoSync),
		sub.SyncIntervalMinutes, timePtrToMillis(sub.LastSyncAt), sub.LastSyncError,
		optionToPtr(sub.ETag), optionToPtr(sub.LastModified))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &storage.Error{Type: storage.ErrAlreadyExists, Message: "subscription already exists", Err: err}
		}
		return &storage.Error{Type: storage.ErrUnavailable, Message: "insert subscription", Err: err}
	}
	return nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *model.Subscription) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE subscriptions SET owner_id = ?, name = ?, url = ?, color = ?, auto_sync = ?,
			sync_interval_minutes = ?, last_sync_at = ?, last_sync_error = ?, etag = ?, last_modified = ?
		WHERE id = ?`,
		sub.OwnerID, sub.Name, sub.URL, sub.Color, boolToInt(sub.AutoSync),
		sub.SyncIntervalMinutes, timePtrToMillis(sub.LastSyncAt), sub.LastSyncError,
		optionToPtr(sub.ETag), optionToPtr(sub.LastModified), sub.ID)
	if err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "update subscription", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.Error{Type: storage.ErrNotFound, Message: "subscription not found"}
	}
	return nil
}

// DeleteSubscription removes the subscription and cascades deletion of its
// sourced events in one transaction.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "begin tx", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE source_subscription_id = ?", id); err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "cascade delete events", Err: err}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
	if err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "delete subscription", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.Error{Type: storage.ErrNotFound, Message: "subscription not found"}
	}
	if err := tx.Commit(); err != nil {
		return &storage.Error{Type: storage.ErrUnavailable, Message: "commit", Err: err}
	}
	return nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		e          model.Event
		startAt    int64
		endAt      int64
		allDay     int
		dtstart    sql.NullInt64
		durationMS int64
		exdates    string
	)
	err := row.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Color, &e.Description, &e.Location,
		&startAt, &endAt, &allDay, &e.RRule, &dtstart, &durationMS, &exdates,
		&e.SourceSubscriptionID, &e.SourceUID)
	if err != nil {
		return nil, err
	}
	e.Start = time.UnixMilli(startAt).UTC()
	e.End = time.UnixMilli(endAt).UTC()
	e.AllDay = allDay != 0
	if dtstart.Valid {
		t := time.UnixMilli(dtstart.Int64).UTC()
		e.DTStart = &t
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.ExDates = decodeExDates(exdates)
	return &e, nil
}

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	var (
		sub          model.Subscription
		autoSync     int
		lastSyncAt   sql.NullInt64
		etag         sql.NullString
		lastModified sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.Name, &sub.URL, &sub.Color, &autoSync,
		&sub.SyncIntervalMinutes, &lastSyncAt, &sub.LastSyncError, &etag, &lastModified)
	if err != nil {
		return nil, err
	}
	sub.AutoSync = autoSync != 0
	if lastSyncAt.Valid {
		t := time.UnixMilli(lastSyncAt.Int64).UTC()
		sub.LastSyncAt = &t
	}
	if etag.Valid && etag.String != "" {
		sub.ETag = mo.Some(etag.String)
	}
	if lastModified.Valid && lastModified.String != "" {
		sub.LastModified = mo.Some(lastModified.String)
	}
	return &sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func optionToPtr(opt mo.Option[string]) *string {
	if v, ok := opt.Get(); ok {
		return &v
	}
	return nil
}

// encodeExDates stores exclusion dates as comma-joined unix milliseconds.
func encodeExDates(exdates []time.Time) string {
	if len(exdates) == 0 {
		return ""
	}
	parts := make([]string, 0, len(exdates))
	for _, t := range exdates {
		parts = append(parts, fmt.Sprintf("%d", t.UnixMilli()))
	}
	return strings.Join(parts, ",")
}

func decodeExDates(encoded string) []time.Time {
	if encoded == "" {
		return nil
	}
	var exdates []time.Time
	for _, part := range strings.Split(encoded, ",") {
		var ms int64
		if _, err := fmt.Sscanf(part, "%d", &ms); err == nil {
			exdates = append(exdates, time.UnixMilli(ms).UTC())
		}
	}
	return exdates
}
