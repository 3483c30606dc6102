package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/galileo/internal/store"
)

// PGJournal implements store.Journal backed by Postgres.
type PGJournal struct {
	db *sql.DB
}

func NewPGJournal(db *sql.DB) *PGJournal {
	return &PGJournal{db: db}
}

func (s *PGJournal) RecordDispense(ctx context.Context, rec store.DispenseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispenses (id, address, amounts, tx_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.Must(uuid.NewV7()), rec.Address, rec.Values, rec.TxHash, rec.At,
	)
	if err != nil {
		return fmt.Errorf("record dispense: %w", err)
	}
	return nil
}

func (s *PGJournal) MarkAnswered(ctx context.Context, channelID, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answered_messages (channel_id, message_id, answered_at) VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id, message_id) DO NOTHING`,
		channelID, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

func (s *PGJournal) Answered(ctx context.Context, channelID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM answered_messages WHERE channel_id = $1 AND message_id = $2`,
		channelID, messageID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup answered: %w", err)
	}
	return true, nil
}
