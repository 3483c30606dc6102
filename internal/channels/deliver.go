package channels

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/galileo/internal/bus"
)

// Deliver waits for a request's one-shot reply and posts it to the chat.
// It reports whether a reply was posted. A reply side dropped without an
// answer, or a failed post, is logged only; the responder has already
// journaled the message by then.
func Deliver(ctx context.Context, chat Chat, replies <-chan bus.Reply) bool {
	var (
		reply bus.Reply
		ok    bool
	)
	select {
	case reply, ok = <-replies:
	case <-ctx.Done():
		return false
	}
	if !ok {
		slog.Debug("request finished without a reply")
		return false
	}

	msg := reply.Message
	if err := chat.Reply(ctx, msg, reply.Text); err != nil {
		slog.Warn("failed to post reply",
			"channel_id", msg.ChannelID,
			"message_id", msg.ID,
			"error", err,
		)
		return false
	}
	return true
}
