package store

import (
	"context"
	"time"
)

// DispenseRecord is one confirmed send to an address.
type DispenseRecord struct {
	Address string    `json:"address"`
	Values  string    `json:"values"`
	TxHash  string    `json:"tx_hash"`
	At      time.Time `json:"at"`
}

// Journal remembers what the bot already did, so a restart can skip work.
type Journal interface {
	// RecordDispense appends a confirmed send.
	RecordDispense(ctx context.Context, rec DispenseRecord) error
	// MarkAnswered records that the responder handled a chat message. It is
	// written once the sends are filed, before the reply is posted.
	MarkAnswered(ctx context.Context, channelID, messageID string, at time.Time) error
	// Answered reports whether the message was already handled.
	Answered(ctx context.Context, channelID, messageID string) (bool, error)
}
