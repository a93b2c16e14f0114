package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionPersistent = "persistent"
)

// ErrNotFound is returned when a conversation or recording does not exist.
var ErrNotFound = errors.New("record not found")

// Conversation is the stored transcript of one session.
type Conversation struct {
	ID         string    `json:"id"`
	Transcript string    `json:"transcript"`
	DurationMS int64     `json:"duration"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Recording is an uploaded audio capture attached to a conversation.
type Recording struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"sessionId"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Audio       []byte    `json:"-"`
	CreatedAt   time.Time `json:"timestamp"`
}

// Store persists conversations and recordings in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode no
// database is opened and writes are not retained.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "store"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversation (
    id TEXT PRIMARY KEY,
    transcript TEXT NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS recording (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    content_type TEXT,
    size INTEGER NOT NULL,
    audio BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES conversation(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_conversation_created ON conversation(created_at);
CREATE INDEX IF NOT EXISTS idx_recording_session ON recording(session_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Ephemeral reports whether the store discards writes.
func (s *Store) Ephemeral() bool {
	return s.db == nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveConversation stores the transcript for id, replacing an earlier save of
// the same session.
func (s *Store) SaveConversation(ctx context.Context, id, transcript string, durationMS int64) (Conversation, error) {
	conv := Conversation{ID: id, Transcript: transcript, DurationMS: durationMS, CreatedAt: s.now()}
	if s.db == nil {
		return conv, nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		conv, err = upsertConversation(ctx, tx, conv)
		return err
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("save conversation %s: %w", id, err)
	}
	return conv, nil
}

// SaveRecording stores audio for an existing conversation.
func (s *Store) SaveRecording(ctx context.Context, sessionID, contentType string, audio []byte) (Recording, error) {
	rec := Recording{SessionID: sessionID, ContentType: contentType, Size: int64(len(audio)), Audio: audio, CreatedAt: s.now()}
	if s.db == nil {
		return rec, nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = insertRecording(ctx, tx, rec)
		return err
	})
	if err != nil {
		return Recording{}, fmt.Errorf("save recording %s: %w", sessionID, err)
	}
	return rec, nil
}

// SaveUpload stores a conversation and its recording in one transaction.
func (s *Store) SaveUpload(ctx context.Context, id, transcript string, durationMS int64, contentType string, audio []byte) (Conversation, Recording, error) {
	now := s.now()
	conv := Conversation{ID: id, Transcript: transcript, DurationMS: durationMS, CreatedAt: now}
	rec := Recording{SessionID: id, ContentType: contentType, Size: int64(len(audio)), Audio: audio, CreatedAt: now}
	if s.db == nil {
		return conv, rec, nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if conv, err = upsertConversation(ctx, tx, conv); err != nil {
			return err
		}
		rec, err = insertRecording(ctx, tx, rec)
		return err
	})
	if err != nil {
		return Conversation{}, Recording{}, fmt.Errorf("save upload %s: %w", id, err)
	}
	return conv, rec, nil
}

func upsertConversation(ctx context.Context, q execer, conv Conversation) (Conversation, error) {
	var created int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO conversation(id, transcript, duration_ms, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET transcript=excluded.transcript, duration_ms=excluded.duration_ms
		 RETURNING created_at`,
		conv.ID, conv.Transcript, conv.DurationMS, conv.CreatedAt.UnixMilli()).Scan(&created)
	if err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt = time.UnixMilli(created).UTC()
	return conv, nil
}

func insertRecording(ctx context.Context, q execer, rec Recording) (Recording, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO recording(session_id, content_type, size, audio, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ContentType, rec.Size, rec.Audio, rec.CreatedAt.UnixMilli())
	if err != nil {
		return Recording{}, err
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return Recording{}, err
	}
	return rec, nil
}

// GetConversation loads one conversation by session id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if s.db == nil {
		return Conversation{}, ErrNotFound
	}
	var (
		c       Conversation
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, transcript, duration_ms, created_at FROM conversation WHERE id = ?`, id).
		Scan(&c.ID, &c.Transcript, &c.DurationMS, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	return c, nil
}

// ListConversations returns up to limit conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transcript, duration_ms, created_at FROM conversation
		 ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c       Conversation
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Transcript, &c.DurationMS, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetRecording loads one recording including its audio.
func (s *Store) GetRecording(ctx context.Context, id int64) (Recording, error) {
	if s.db == nil {
		return Recording{}, ErrNotFound
	}
	var (
		r       Recording
		ctype   sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, content_type, size, audio, created_at FROM recording WHERE id = ?`, id).
		Scan(&r.ID, &r.SessionID, &ctype, &r.Size, &r.Audio, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("get recording %d: %w", id, err)
	}
	r.ContentType = ctype.String
	r.CreatedAt = time.UnixMilli(created).UTC()
	return r, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
// Recordings follow their conversation.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.RetentionMode != RetentionPersistent {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if s.cfg.RetentionDays > 0 {
			cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
			if _, err := tx.ExecContext(ctx, `DELETE FROM conversation WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
				return err
			}
		}
		if s.cfg.MaxConversations > 0 {
			_, err := tx.ExecContext(ctx, `DELETE FROM conversation WHERE id IN (
				SELECT id FROM conversation ORDER BY created_at DESC, id ASC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxConversations)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) now() time.Time {
	return time.UnixMilli(s.clock().UnixMilli()).UTC()
}
