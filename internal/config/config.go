package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
	"github.com/xhit/go-str2duration/v2"
)

// Duration is a time.Duration that reads "10m", "1d" or "1day" from config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

// ParseDuration accepts Go duration syntax plus day and week units.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "ays") // "2days" -> "2d"
	s = strings.TrimSuffix(s, "ay")  // "1day" -> "1d"
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a plain number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json5.Unmarshal(data, &s); err == nil {
		v, err := ParseDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}
	var secs float64
	if err := json5.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Config is the root configuration for the galileo bot.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Faucet    FaucetConfig    `json:"faucet"`
	CatchUp   CatchUpConfig   `json:"catch_up"`
	Wallet    WalletConfig    `json:"wallet"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
	mu        sync.RWMutex
}

// FaucetConfig is the dispense policy.
type FaucetConfig struct {
	Values       []string `json:"values"`        // bundle sent per address, e.g. ["1.87penumbra", "12cube"]
	Fee          uint64   `json:"fee"`           // per-send fee in upenumbra
	RateLimit    Duration `json:"rate_limit"`    // per-user window
	ReplyLimit   int      `json:"reply_limit"`   // rate-limit notices per user per window
	MaxAddresses int      `json:"max_addresses"` // addresses serviced per message
	BufferSize   int      `json:"buffer_size"`   // dispatch queue and wallet request capacity
}

// CatchUpConfig lists backlog anchors replayed at startup.
type CatchUpConfig struct {
	Anchors      []string `json:"anchors,omitempty"` // "<channel_id>/<message_id>" or message URLs
	BatchSize    int      `json:"batch_size"`
	SkipAnswered *bool    `json:"skip_answered,omitempty"` // default true
}

// ShouldSkipAnswered reports whether replays skip messages already answered.
func (c CatchUpConfig) ShouldSkipAnswered() bool {
	return c.SkipAnswered == nil || *c.SkipAnswered
}

// WalletConfig configures the ledger worker and its node.
type WalletConfig struct {
	Node              string   `json:"node"`              // host[:port] or URL of the node's wallet API
	Timeout           Duration `json:"timeout,omitempty"` // per-request HTTP timeout
	Source            *uint64  `json:"source,omitempty"`  // account index to spend from
	SaveInterval      Duration `json:"save_interval"`
	BlockTimeEstimate Duration `json:"block_time_estimate"`
	SyncRetries       int      `json:"sync_retries"`
	DataDir           string   `json:"data_dir"` // standalone SQLite lives here
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from config.json (secret), only from env GALILEO_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true when state lives in Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "galileo"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty"` // e.g. ":9090"; empty disables
}

// LogConfig selects the log format.
type LogConfig struct {
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}
