package store

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codewiresh/vmnetd/internal/connection"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPeerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.PeerOpened(ctx, 7, opened); err != nil {
		t.Fatalf("PeerOpened: %v", err)
	}
	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	if !recs[0].Open() {
		t.Fatal("record closed before PeerClosed")
	}
	if recs[0].Boot != s.Boot() {
		t.Fatalf("Boot = %q, want %q", recs[0].Boot, s.Boot())
	}

	stats := connection.Stats{FramesIn: 3, FramesOut: 5, BytesIn: 180, BytesOut: 300}
	if err := s.PeerClosed(ctx, 7, opened.Add(time.Minute), stats, "closed by peer"); err != nil {
		t.Fatalf("PeerClosed: %v", err)
	}
	recs, err = s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	r := recs[0]
	if r.Open() {
		t.Fatal("record still open")
	}
	if r.PeerID != 7 {
		t.Errorf("PeerID = %d, want 7", r.PeerID)
	}
	if r.FramesIn != 3 || r.FramesOut != 5 || r.BytesIn != 180 || r.BytesOut != 300 {
		t.Errorf("stats = %+v", r)
	}
	if r.Reason != "closed by peer" {
		t.Errorf("Reason = %q", r.Reason)
	}
	if !r.OpenedAt.Equal(opened) {
		t.Errorf("OpenedAt = %v, want %v", r.OpenedAt, opened)
	}
}

func TestPeerClosedUnknown(t *testing.T) {
	s := newTestStore(t)
	err := s.PeerClosed(context.Background(), 99, time.Now(), connection.Stats{}, "eof")
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		if err := s.PeerOpened(ctx, connection.ID(i), base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i, want := range []uint64{5, 4, 3} {
		if recs[i].PeerID != want {
			t.Errorf("recs[%d].PeerID = %d, want %d", i, recs[i].PeerID, want)
		}
	}

	all, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("unlimited len = %d, want 5", len(all))
	}
}

func TestBootsDoNotCollide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	now := time.Now()

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.PeerOpened(ctx, 1, now); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if second.Boot() == first.Boot() {
		t.Fatal("boot id reused")
	}
	if err := second.PeerOpened(ctx, 1, now.Add(time.Second)); err != nil {
		t.Fatalf("PeerOpened with reused id: %v", err)
	}

	n, err := second.CloseStale(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("CloseStale = %d, want 1", n)
	}
	recs, err := second.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		switch r.Boot {
		case first.Boot():
			if r.Open() || r.Reason != "daemon exited" {
				t.Errorf("stale record = %+v", r)
			}
		case second.Boot():
			if !r.Open() {
				t.Errorf("current record closed: %+v", r)
			}
		}
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	if err := s.PeerOpened(ctx, 1, old); err != nil {
		t.Fatal(err)
	}
	if err := s.PeerClosed(ctx, 1, old.Add(time.Minute), connection.Stats{}, "eof"); err != nil {
		t.Fatal(err)
	}
	if err := s.PeerOpened(ctx, 2, old); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	recs, _ := s.Recent(ctx, 0)
	if len(recs) != 1 || recs[0].PeerID != 2 {
		t.Fatalf("remaining = %+v, want only the open peer", recs)
	}
}

func TestPruneExpiredLogsFailure(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	var buf bytes.Buffer
	s.pruneExpired(slog.New(slog.NewTextHandler(&buf, nil)))
	if !strings.Contains(buf.String(), "pruning journal") {
		t.Fatalf("prune failure not logged: %q", buf.String())
	}
}

func TestPruneExpiredRemovesOldRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * DefaultRetention)
	if err := s.PeerOpened(ctx, 1, old); err != nil {
		t.Fatal(err)
	}
	if err := s.PeerClosed(ctx, 1, old.Add(time.Minute), connection.Stats{}, "eof"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	s.pruneExpired(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	recs, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("remaining = %d, want 0", len(recs))
	}
	if !strings.Contains(buf.String(), "pruned journal") {
		t.Fatalf("prune not logged: %q", buf.String())
	}
}
