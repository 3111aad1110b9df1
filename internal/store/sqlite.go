package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/codewiresh/vmnetd/internal/connection"
)

// SQLiteStore is the peer journal backed by an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	boot      string
	retention time.Duration
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates the journal at path and runs schema
// migrations. Every store gets a fresh boot id, so connection ids that
// restart from 1 with each daemon run never collide.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		boot:      uuid.NewString(),
		retention: DefaultRetention,
		closeCh:   make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return s, nil
}

// Boot returns the id this store stamps on every record it writes.
func (s *SQLiteStore) Boot() string { return s.boot }

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			boot TEXT NOT NULL,
			peer_id INTEGER NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			frames_in INTEGER NOT NULL DEFAULT 0,
			frames_out INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (boot, peer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS peers_opened_at ON peers (opened_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// StartCleanup prunes released connections older than the retention period
// once an hour until Close. Failures are logged to log.
func (s *SQLiteStore) StartCleanup(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	go s.cleanupLoop(log)
}

func (s *SQLiteStore) cleanupLoop(log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.pruneExpired(log)
		}
	}
}

func (s *SQLiteStore) pruneExpired(log *slog.Logger) {
	n, err := s.Prune(context.Background(), time.Now().UTC().Add(-s.retention))
	if err != nil {
		log.Warn("pruning journal", "err", err)
		return
	}
	if n > 0 {
		log.Debug("pruned journal", "rows", n)
	}
}

// CloseStale marks connections left open by an earlier daemon run as
// closed. It returns how many rows changed.
func (s *SQLiteStore) CloseStale(ctx context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE peers SET closed_at = ?, reason = 'daemon exited'
		 WHERE closed_at IS NULL AND boot != ?`,
		at.UTC(), s.boot,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Prune deletes released connections closed before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM peers WHERE closed_at IS NOT NULL AND closed_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Journal ---

func (s *SQLiteStore) PeerOpened(ctx context.Context, id connection.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO peers (boot, peer_id, opened_at) VALUES (?, ?, ?)",
		s.boot, int64(id), at.UTC(),
	)
	return err
}

func (s *SQLiteStore) PeerClosed(ctx context.Context, id connection.ID, at time.Time, stats connection.Stats, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE peers SET closed_at = ?, frames_in = ?, frames_out = ?, bytes_in = ?, bytes_out = ?, reason = ?
		 WHERE boot = ? AND peer_id = ?`,
		at.UTC(), int64(stats.FramesIn), int64(stats.FramesOut), int64(stats.BytesIn), int64(stats.BytesOut),
		reason, s.boot, int64(id),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no journal entry for %s", id)
	}
	return nil
}

// Recent returns up to limit records, newest first. A limit of zero or less
// returns everything.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var q strings.Builder
	q.WriteString(`SELECT boot, peer_id, opened_at, closed_at, frames_in, frames_out, bytes_in, bytes_out, reason
		FROM peers ORDER BY opened_at DESC, peer_id DESC`)
	args := []any{}
	if limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var r PeerRecord
		var peerID, fin, fout, bin, bout int64
		if err := rows.Scan(&r.Boot, &peerID, &r.OpenedAt, &r.ClosedAt, &fin, &fout, &bin, &bout, &r.Reason); err != nil {
			return nil, err
		}
		r.PeerID = uint64(peerID)
		r.FramesIn, r.FramesOut = uint64(fin), uint64(fout)
		r.BytesIn, r.BytesOut = uint64(bin), uint64(bout)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
