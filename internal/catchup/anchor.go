package catchup

import (
	"fmt"
	"net/url"
	"strings"
)

// Anchor is the message a backlog replay starts from.
type Anchor struct {
	ChannelID string
	MessageID string
}

func (a Anchor) String() string { return a.ChannelID + "/" + a.MessageID }

// ParseAnchor accepts "<channel_id>/<message_id>" or a message link as
// generated by Discord (https://discord.com/channels/<guild>/<channel>/<message>).
func ParseAnchor(s string) (Anchor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Anchor{}, fmt.Errorf("empty catch-up anchor")
	}

	path := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return Anchor{}, fmt.Errorf("parse catch-up url %q: %w", s, err)
		}
		path = u.Path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return Anchor{}, fmt.Errorf("catch-up anchor %q: want <channel_id>/<message_id> or a message url", s)
	}
	a := Anchor{ChannelID: parts[len(parts)-2], MessageID: parts[len(parts)-1]}
	if !isSnowflake(a.ChannelID) || !isSnowflake(a.MessageID) {
		return Anchor{}, fmt.Errorf("catch-up anchor %q: ids must be numeric", s)
	}
	return a, nil
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
