// Package sqlite is the local Calendar Store: one events table in an SQLite
// database opened in WAL mode, with recurrence rules kept as RRULE text and
// parsed once per row on read.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/recurrence"
	"assistcal/internal/store"
)

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Getter = (*Store)(nil)
)

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	appLog.Debug("sqlite store opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		location         TEXT NOT NULL DEFAULT '',
		start_unix       INTEGER NOT NULL,
		end_unix         INTEGER NOT NULL,
		time_zone        TEXT NOT NULL DEFAULT '',
		color            TEXT NOT NULL DEFAULT '',
		reminder_minutes INTEGER NOT NULL DEFAULT 0,
		attendees        TEXT NOT NULL DEFAULT '[]',
		rrule            TEXT NOT NULL DEFAULT '',
		exdates          TEXT NOT NULL DEFAULT '[]',
		source_id        TEXT NOT NULL DEFAULT '',
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_span ON events(start_unix, end_unix);
	CREATE INDEX IF NOT EXISTS idx_events_rrule ON events(rrule, start_unix);
	`
	_, err := s.db.Exec(schema)
	return err
}

const columns = `id, title, description, location, start_unix, end_unix, time_zone,
	color, reminder_minutes, attendees, rrule, exdates, source_id`

// FetchEvents returns standalone events overlapping window and every
// series anchored before its end.
func (s *Store) FetchEvents(ctx context.Context, window interval.Interval) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM events
		 WHERE (rrule = '' AND start_unix < ? AND end_unix > ?)
		    OR (rrule != '' AND start_unix < ?)
		 ORDER BY start_unix, id`,
		window.End.Unix(), window.Start.Unix(), window.End.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			// One bad row must not hide the rest of the calendar.
			appLog.Error("skipping unreadable event row", err)
			continue
		}
		if store.Relevant(ev, window) {
			out = append(out, ev)
		}
	}
	return out, rows.Err()
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	return ev, err
}

func (s *Store) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	args, err := values(ev)
	if err != nil {
		return "", err
	}
	err = retryOp(ctx, defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO events (`+columns+`, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append([]any{ev.ID}, append(args, now())...)...,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	appLog.Debug("event created", "id", ev.ID, "title", ev.Title)
	return ev.ID, nil
}

func (s *Store) UpdateEvent(ctx context.Context, id string, ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	args, err := values(ev)
	if err != nil {
		return err
	}
	var n int64
	err = retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE events SET title = ?, description = ?, location = ?, start_unix = ?,
			 end_unix = ?, time_zone = ?, color = ?, reminder_minutes = ?, attendees = ?,
			 rrule = ?, exdates = ?, source_id = ?, updated_at = ?
			 WHERE id = ?`,
			append(args, now(), id)...,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// values returns the column values after id, in columns order.
func values(ev model.Event) ([]any, error) {
	attendees, err := json.Marshal(nonNil(ev.Attendees))
	if err != nil {
		return nil, err
	}
	ex := make([]int64, 0, len(ev.ExDates))
	for _, t := range ev.ExDates {
		ex = append(ex, t.Unix())
	}
	exdates, err := json.Marshal(ex)
	if err != nil {
		return nil, err
	}
	return []any{
		ev.Title, ev.Description, ev.Location,
		ev.Interval.Start.Unix(), ev.Interval.End.Unix(), ev.TimeZone,
		ev.Color, ev.ReminderMinutes, string(attendees),
		ev.Rule.String(), string(exdates), ev.SourceID,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		ev                      model.Event
		startUnix, endUnix      int64
		attendees, rule, exText string
	)
	err := row.Scan(&ev.ID, &ev.Title, &ev.Description, &ev.Location, &startUnix, &endUnix,
		&ev.TimeZone, &ev.Color, &ev.ReminderMinutes, &attendees, &rule, &exText, &ev.SourceID)
	if err != nil {
		return model.Event{}, err
	}

	loc := time.UTC
	if ev.TimeZone != "" {
		if l, err := time.LoadLocation(ev.TimeZone); err == nil {
			loc = l
		}
	}
	ev.Interval = interval.Interval{Start: time.Unix(startUnix, 0).In(loc), End: time.Unix(endUnix, 0).In(loc)}

	if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
		return model.Event{}, fmt.Errorf("event %s attendees: %w", ev.ID, err)
	}
	if len(ev.Attendees) == 0 {
		ev.Attendees = nil
	}
	var ex []int64
	if err := json.Unmarshal([]byte(exText), &ex); err != nil {
		return model.Event{}, fmt.Errorf("event %s exdates: %w", ev.ID, err)
	}
	for _, u := range ex {
		ev.ExDates = append(ev.ExDates, time.Unix(u, 0).In(loc))
	}
	if rule != "" {
		r, err := recurrence.Parse(rule)
		if err != nil {
			return model.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		ev.Rule = r
	}
	return ev, nil
}
