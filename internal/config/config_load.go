package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with the bot's standard settings.
func Default() *Config {
	return &Config{
		Discord: DiscordConfig{EventBuffer: 256},
		Faucet: FaucetConfig{
			RateLimit:    Duration(24 * time.Hour),
			ReplyLimit:   5,
			MaxAddresses: 1,
			BufferSize:   100,
		},
		CatchUp: CatchUpConfig{BatchSize: 25},
		Wallet: WalletConfig{
			Node:              "testnet.penumbra.zone:8080",
			Timeout:           Duration(30 * time.Second),
			SaveInterval:      Duration(time.Minute),
			BlockTimeEstimate: Duration(10 * time.Second),
			SyncRetries:       5,
			DataDir:           "~/.galileo",
		},
		Telemetry: TelemetryConfig{ServiceName: "galileo"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("DISCORD_TOKEN", &c.Discord.Token)
	envStr("GALILEO_DISCORD_TOKEN", &c.Discord.Token)

	envStr("GALILEO_NODE", &c.Wallet.Node)
	envStr("GALILEO_DATA_DIR", &c.Wallet.DataDir)

	// Database
	envStr("GALILEO_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GALILEO_MODE", &c.Database.Mode)

	// Telemetry
	envStr("GALILEO_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GALILEO_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GALILEO_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GALILEO_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GALILEO_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("GALILEO_METRICS_LISTEN", &c.Metrics.Listen)
	envStr("GALILEO_LOG_FORMAT", &c.Log.Format)

	if v := os.Getenv("GALILEO_MAX_ADDRESSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Faucet.MaxAddresses = n
		}
	}
	if v := os.Getenv("GALILEO_CATCH_UP"); v != "" {
		c.CatchUp.Anchors = strings.Split(v, ",")
	}
}

// Validate checks settings that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("missing Discord token (set GALILEO_DISCORD_TOKEN or DISCORD_TOKEN)"))
	}
	if len(c.Faucet.Values) == 0 {
		errs = append(errs, errors.New("at least one value must be provided"))
	}
	if c.Faucet.MaxAddresses < 0 {
		errs = append(errs, errors.New("max_addresses must not be negative"))
	}
	if c.Faucet.ReplyLimit < 0 {
		errs = append(errs, errors.New("reply_limit must not be negative"))
	}
	if c.Faucet.BufferSize < 1 {
		errs = append(errs, errors.New("buffer_size must be at least 1"))
	}
	if c.CatchUp.BatchSize < 1 {
		errs = append(errs, errors.New("catch_up.batch_size must be at least 1"))
	}
	// Discord serves at most 100 messages per history page.
	if c.CatchUp.BatchSize > 100 {
		errs = append(errs, errors.New("catch_up.batch_size must be at most 100"))
	}
	if c.Wallet.Node == "" {
		errs = append(errs, errors.New("wallet.node is required"))
	}
	if c.Database.Mode == "managed" && c.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("managed mode needs GALILEO_POSTGRES_DSN"))
	}
	return errors.Join(errs...)
}

// Hash returns a short SHA-256 fingerprint of the config, logged at startup.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c.withoutSecrets())
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// withoutSecrets returns the config sections that carry no credentials.
func (c *Config) withoutSecrets() map[string]any {
	return map[string]any{
		"faucet":    c.Faucet,
		"catch_up":  c.CatchUp,
		"wallet":    c.Wallet,
		"database":  c.Database,
		"telemetry": c.Telemetry,
		"metrics":   c.Metrics,
		"log":       c.Log,
	}
}

// DatabasePath returns the standalone SQLite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(ExpandHome(c.Wallet.DataDir), "galileo.db")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
