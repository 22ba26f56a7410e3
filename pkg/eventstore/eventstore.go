// Package eventstore optionally persists every bus event into a local
// SQLite database for replay and debugging. Schema changes ship as embedded
// migrations applied at startup.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/vigil-dev/vigil/pkg/bus"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// cleanupInterval is how often expired events are purged.
const cleanupInterval = time.Hour

// Store subscribes to the wildcard pattern and records every event it sees.
type Store struct {
	cfg  *config.EventStoreSettings
	path string

	db  *sql.DB
	sub *bus.Subscription

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an event store writing to stateDir/events.db.
func New(cfg *config.EventStoreSettings, stateDir string) *Store {
	return &Store{
		cfg:    cfg,
		path:   filepath.Join(stateDir, "events.db"),
		stopCh: make(chan struct{}),
	}
}

// Start opens the database, applies migrations, and begins ingesting from
// the bus.
func (s *Store) Start(ctx context.Context, b *bus.Bus) error {
	db, err := sql.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	// SQLite handles one writer; keep the pool at a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging event store: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return fmt.Errorf("migrating event store: %w", err)
	}

	s.db = db
	s.sub = b.Subscribe(models.MatchAll, 512)

	s.wg.Add(1)
	go s.ingest()
	s.wg.Add(1)
	go s.cleanupLoop()

	slog.Info("Event store started", "path", s.path, "ttl", s.cfg.TTL)
	return nil
}

// Stop halts ingestion and closes the database.
func (s *Store) Stop(b *bus.Bus) {
	s.stopOnce.Do(func() {
		if s.sub != nil {
			b.Unsubscribe(s.sub)
		}
		close(s.stopCh)
		s.wg.Wait()
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				slog.Warn("Closing event store failed", "error", err)
			}
		}
		slog.Info("Event store stopped")
	})
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (s *Store) ingest() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case event := <-s.sub.Events():
			if err := s.insert(event); err != nil {
				slog.Warn("Event insert failed", "event_id", event.ID, "error", err)
			}
		}
	}
}

func (s *Store) insert(event models.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	meta, err := json.Marshal(event.Meta)
	if err != nil {
		return fmt.Errorf("encoding meta: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO events (id, type, timestamp, source, payload, meta) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.Timestamp.UTC(), event.Source, string(payload), string(meta))
	return err
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.TTL)
			res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoff)
			if err != nil {
				slog.Warn("Event store cleanup failed", "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Debug("Purged expired events", "count", n, "cutoff", cutoff)
			}
		}
	}
}

// Recent returns the newest events, most recent first, up to limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, timestamp, source, payload, meta FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			event         models.Event
			payload, meta string
		)
		if err := rows.Scan(&event.ID, &event.Type, &event.Timestamp, &event.Source, &payload, &meta); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload for %s: %w", event.ID, err)
			}
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &event.Meta); err != nil {
				return nil, fmt.Errorf("decoding meta for %s: %w", event.ID, err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
