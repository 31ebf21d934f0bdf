package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/state"
)

// LifecycleSession groups transitions that belong to no recording, such as
// model loading.
const LifecycleSession = "lifecycle"

// Transition is one recorded state change. Transcript text is never stored.
type Transition struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session_id"`
	NodeID    string     `json:"node_id"`
	Kind      state.Kind `json:"kind"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store is a SQLite-backed timeline of state transitions.
type Store struct {
	db     *sql.DB
	cfg    config.JournalConfig
	nodeID string
	log    *slog.Logger
	clock  func() time.Time
}

// Open initializes the journal according to config. Ephemeral mode keeps no
// database and every call is a no-op.
func Open(ctx context.Context, cfg config.JournalConfig, nodeID string, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, nodeID: nodeID, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, nodeID: nodeID, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source TEXT,
    location TEXT,
    created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    node_id TEXT,
    kind TEXT NOT NULL,
    reason TEXT,
    created_at_ms INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

// Enabled reports whether transitions are persisted.
func (s *Store) Enabled() bool { return s.db != nil }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists; the first writer wins.
func (s *Store) AppendSession(ctx context.Context, sessionID, source, location string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, source, location, created_at_ms)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, source, location, s.clock().UTC().UnixMilli())
	return err
}

func (s *Store) AppendTransition(ctx context.Context, t Transition) error {
	if s.db == nil {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	if t.NodeID == "" {
		t.NodeID = s.nodeID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, node_id, kind, reason, created_at_ms)
		 VALUES(?, ?, ?, ?, ?)`,
		t.SessionID, t.NodeID, string(t.Kind), t.Reason, t.CreatedAt.UnixMilli())
	return err
}

// ListSessionTransitions returns up to limit transitions for a session in the
// order they happened.
func (s *Store) ListSessionTransitions(ctx context.Context, sessionID string, limit int) ([]Transition, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, node_id, kind, reason, created_at_ms
		 FROM transitions WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t       Transition
			kind    string
			reason  sql.NullString
			node    sql.NullString
			created int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &node, &kind, &reason, &created); err != nil {
			return nil, err
		}
		t.Kind = state.Kind(kind)
		t.Reason = reason.String
		t.NodeID = node.String
		t.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM transitions WHERE created_at_ms < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at_ms < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at_ms DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Follow records every state delivered on sub until ctx is done or the
// subscription closes. Transitions without a handle belong to the most
// recent session.
func (s *Store) Follow(ctx context.Context, sub *state.Subscription) error {
	defer sub.Close()
	if s.db == nil {
		return nil
	}
	session := LifecycleSession
	if err := s.AppendSession(ctx, session, "lifecycle", ""); err != nil {
		return fmt.Errorf("journal lifecycle session: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-sub.C():
			if !ok {
				return nil
			}
			if id := st.SessionID(); id != "" && id != session {
				session = id
				source := "sample"
				if st.Handle.Format.Encoding != "" {
					source = "recording"
				}
				if err := s.AppendSession(ctx, session, source, st.Handle.Location); err != nil {
					s.log.Warn("journal session append failed", slog.String("error", err.Error()))
				}
			}
			err := s.AppendTransition(ctx, Transition{SessionID: session, Kind: st.Kind, Reason: st.Reason})
			if err != nil && ctx.Err() == nil {
				s.log.Warn("journal append failed",
					slog.String("session_id", session),
					slog.String("kind", string(st.Kind)),
					slog.String("error", err.Error()))
			}
		}
	}
}
