package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/q/llm"
	"github.com/rs/zerolog"
)

const table = "conversations"

// ThreadSummary describes one stored thread.
type ThreadSummary struct {
	ThreadID  string
	Messages  int
	UpdatedAt time.Time
}

// Store persists conversation threads in SQLite.
// It implements agent.HistoryStore.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a Store on a database that has been migrated with
// migrations.RunMigrations.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "conversationStore").Logger(),
		now:    time.Now,
	}
}

// SaveThread replaces the stored messages of threadID with msgs.
func (s *Store) SaveThread(ctx context.Context, threadID string, msgs []llm.Message) error {
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	queryStr, args, err := sq.Delete(table).Where(sq.Eq{"thread_id": threadID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}

	if len(msgs) > 0 {
		now := s.now().Unix()
		insert := sq.Insert(table).Columns("thread_id", "position", "role", "content", "created_at")
		for i, m := range msgs {
			insert = insert.Values(threadID, i, string(m.Role), m.Content, now)
		}
		queryStr, args, err = insert.ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug().Str("threadID", threadID).Int("messages", len(msgs)).Msg("Saved thread")
	return nil
}

// LoadThread returns the messages of threadID in order. An unknown thread
// yields an empty slice.
func (s *Store) LoadThread(ctx context.Context, threadID string) ([]llm.Message, error) {
	queryStr, args, err := sq.Select("role", "content").
		From(table).
		Where(sq.Eq{"thread_id": threadID}).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query

	var msgs []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r, err := llm.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("thread %s: %w", threadID, err)
		}
		msgs = append(msgs, llm.NewTextMessage(r, content))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// DeleteThread removes a thread. Deleting an unknown thread is not an error.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	queryStr, args, err := sq.Delete(table).Where(sq.Eq{"thread_id": threadID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// ListThreads returns all stored threads, most recently saved first.
func (s *Store) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	queryStr, args, err := sq.Select("thread_id", "COUNT(*)", "MAX(created_at) AS updated_at").
		From(table).
		GroupBy("thread_id").
		OrderBy("updated_at DESC", "thread_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query

	var out []ThreadSummary
	for rows.Next() {
		var (
			summary ThreadSummary
			updated int64
		)
		if err := rows.Scan(&summary.ThreadID, &summary.Messages, &updated); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		summary.UpdatedAt = time.Unix(updated, 0)
		out = append(out, summary)
	}
	return out, rows.Err()
}
