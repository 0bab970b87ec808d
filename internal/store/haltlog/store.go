package haltlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"optguard/internal/safety/killswitch"
	"optguard/internal/store"

	_ "modernc.org/sqlite"
)

// Store 保存急停开关的启停历史，供事后排查。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var _ store.HaltEventStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("halt log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS halt_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			reason TEXT,
			source TEXT,
			monitor_only INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_halt_events_ts ON halt_events(ts);`)
	return err
}

// RecordHaltEvent 满足 killswitch.EventRecorder。
func (s *Store) RecordHaltEvent(ctx context.Context, ev killswitch.Event) error {
	db := s.conn()
	if db == nil {
		return fmt.Errorf("halt log 未初始化")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO halt_events (action, reason, source, monitor_only, ts) VALUES (?, ?, ?, ?, ?)`,
		ev.Action, ev.Reason, ev.Source, ev.MonitorOnly, at.UnixMilli())
	return err
}

// ListHaltEvents 按时间倒序返回最近的记录。
func (s *Store) ListHaltEvents(ctx context.Context, limit int) ([]killswitch.Event, error) {
	db := s.conn()
	if db == nil {
		return nil, fmt.Errorf("halt log 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT action, reason, source, monitor_only, ts FROM halt_events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []killswitch.Event
	for rows.Next() {
		var (
			ev          killswitch.Event
			reason, src sql.NullString
			ts          int64
		)
		if err := rows.Scan(&ev.Action, &reason, &src, &ev.MonitorOnly, &ts); err != nil {
			return nil, err
		}
		ev.Reason = reason.String
		ev.Source = src.String
		ev.At = time.UnixMilli(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}
