// Package channels connects the dispense pipeline to a chat platform.
//
// It holds the contract the pipeline needs from a chat service (Chat), the
// per-user rate limiter and the admission gate that turns live chat messages
// into dispense requests.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/galileo/internal/bus"
)

// Chat is what the pipeline consumes from a chat platform.
type Chat interface {
	// Reply posts text as a reply to msg.
	Reply(ctx context.Context, msg bus.Message, text string) error

	// AdminMentions returns mention strings for the administrator roles of a guild.
	AdminMentions(ctx context.Context, guildID string) ([]string, error)

	// Message fetches a single message.
	Message(ctx context.Context, channelID, messageID string) (bus.Message, error)

	// History returns up to limit messages posted after afterID, oldest first.
	// An empty page means the end of the channel was reached.
	History(ctx context.Context, channelID, afterID string, limit int) ([]bus.Message, error)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
