package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/galileo/internal/address"
)

// Message is a chat message received from a channel (Discord, or history during catch-up).
type Message struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id,omitempty"` // empty for DMs
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	AuthorBot  bool      `json:"author_bot,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Reply is the composed answer to a request, paired with the message it answers.
type Reply struct {
	Message Message
	Text    string
}

// Request is one unit of dispense work. It is created by the admission gate
// or the catch-up replayer and consumed exactly once by the responder.
type Request struct {
	ID      string
	Message Message
	Tokens  []address.Token
	Replay  bool // true for backlog replays, which bypass rate limiting

	reply chan Reply
}

// NewRequest extracts address tokens from msg. When the message holds nothing
// address-shaped, ok is false and no request is built.
func NewRequest(msg Message) (req *Request, replies <-chan Reply, ok bool) {
	tokens := address.Extract(msg.Content)
	if len(tokens) == 0 {
		return nil, nil, false
	}

	ch := make(chan Reply, 1)
	req = &Request{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Message: msg,
		Tokens:  tokens,
		reply:   ch,
	}
	return req, ch, true
}

// Respond delivers the reply text. It never blocks; a second call, or a call on
// a request whose reply side is gone, is silently dropped.
func (r *Request) Respond(text string) {
	if r.reply == nil {
		return
	}
	select {
	case r.reply <- Reply{Message: r.Message, Text: text}:
	default:
	}
	close(r.reply)
	r.reply = nil
}
