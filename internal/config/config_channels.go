package config

// DiscordConfig configures the Discord bot connection.
type DiscordConfig struct {
	Token string `json:"token"` // usually from env GALILEO_DISCORD_TOKEN or DISCORD_TOKEN

	// EventBuffer bounds message events waiting for the admission gate.
	EventBuffer int `json:"event_buffer,omitempty"`
}
