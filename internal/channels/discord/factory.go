package discord

import (
	"fmt"

	"github.com/nextlevelbuilder/galileo/internal/config"
)

// defaultEventBuffer is used when the config leaves event_buffer unset.
const defaultEventBuffer = 256

// Factory creates a Discord channel from config.
func Factory(cfg config.DiscordConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return New(cfg.Token, buffer)
}
