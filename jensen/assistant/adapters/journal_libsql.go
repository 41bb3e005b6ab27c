package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant/ports"
)

// LibSQLJournal appends exchanges to the exchange_journal table.
type LibSQLJournal struct {
	db *sql.DB
}

// NewLibSQLJournal wraps an open, migrated database. The journal owns db
// and closes it on Close.
func NewLibSQLJournal(db *sql.DB) *LibSQLJournal {
	return &LibSQLJournal{db: db}
}

func (j *LibSQLJournal) Record(ctx context.Context, rec ports.ExchangeRecord) error {
	const query = `
		INSERT INTO exchange_journal
			(id, chat_key, user_text, reply, template, overflowed, streamed, segments, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		rec.ID, rec.ChatKey, rec.User, rec.Reply, rec.Template,
		boolInt(rec.Overflowed), boolInt(rec.Streamed), rec.Segments,
		rec.Duration.Milliseconds(), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record exchange %s: %w", rec.ID, err)
	}
	return nil
}

func (j *LibSQLJournal) Close() error { return j.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NoOpJournal drops every record.
type NoOpJournal struct{}

func (NoOpJournal) Record(context.Context, ports.ExchangeRecord) error { return nil }
func (NoOpJournal) Close() error                                      { return nil }

var (
	_ ports.Journal = (*LibSQLJournal)(nil)
	_ ports.Journal = NoOpJournal{}
)
