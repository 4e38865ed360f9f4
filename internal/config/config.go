// Package config loads and validates the service configuration from a
// YAML file, with defaults for everything a development deployment
// needs and environment overrides for secrets.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AltairaLabs/promptguard/internal/kms"
	"github.com/AltairaLabs/promptguard/internal/secerr"
)

// EnvRootSecret overrides the key service root secret; secrets never
// live in the config file.
const EnvRootSecret = "PROMPTGUARD_ROOT_SECRET"

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Key     KeyConfig     `yaml:"key"`
	Escrow  EscrowConfig  `yaml:"escrow"`
	Audit   AuditConfig   `yaml:"audit"`
	Observe ObserveConfig `yaml:"observe"`
}

// ServerConfig configures the MCP gateway.
type ServerConfig struct {
	Name           string   `yaml:"name"`
	RatePerSecond  float64  `yaml:"ratePerSecond"`
	RateBurst      int      `yaml:"rateBurst"`
	RecoveryAdmins []string `yaml:"recoveryAdmins"`
	SessionMaxAge  Duration `yaml:"sessionMaxAge"`
}

// KeyConfig identifies the encryption key the agents use.
type KeyConfig struct {
	Project    string `yaml:"project"`
	Location   string `yaml:"location"`
	KeyRing    string `yaml:"keyRing"`
	Key        string `yaml:"key"`
	Version    string `yaml:"version"`
	RootSecret string `yaml:"rootSecret"`
}

// ID returns the key identifier.
func (k KeyConfig) ID() kms.KeyID {
	return kms.KeyID{
		Project:  k.Project,
		Location: k.Location,
		KeyRing:  k.KeyRing,
		Key:      k.Key,
		Version:  k.Version,
	}
}

// EscrowConfig configures multi-party key recovery.
type EscrowConfig struct {
	AuthorizedParties []string `yaml:"authorizedParties"`
	MinimumSignatures int      `yaml:"minimumSignatures"`
}

// AuditConfig configures the audit ledger.
type AuditConfig struct {
	RetentionDays   int      `yaml:"retentionDays"`
	SQLitePath      string   `yaml:"sqlitePath"`
	CleanupInterval Duration `yaml:"cleanupInterval"`
}

// ObserveConfig configures health checks and the metrics listener.
type ObserveConfig struct {
	ListenAddr    string   `yaml:"listenAddr"`
	CheckInterval Duration `yaml:"checkInterval"`
}

// Duration parses YAML strings like "30s" and "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the development configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:          "promptguard",
			RatePerSecond: 10,
			RateBurst:     20,
			SessionMaxAge: Duration(time.Hour),
		},
		Key: KeyConfig{
			Project:  "promptguard-dev",
			Location: "global",
			KeyRing:  "sessions",
			Key:      "session-key",
			Version:  "1",
		},
		Escrow: EscrowConfig{
			AuthorizedParties: []string{"security-lead", "platform-lead", "compliance"},
			MinimumSignatures: 2,
		},
		Audit: AuditConfig{
			RetentionDays:   90,
			CleanupInterval: Duration(time.Hour),
		},
		Observe: ObserveConfig{
			ListenAddr:    "localhost:9090",
			CheckInterval: Duration(30 * time.Second),
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns
// the defaults. The root secret environment variable, when set,
// overrides the file value.
func Load(path string) (Config, error) {
	const op = "config.Load"

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, secerr.Wrap(secerr.KindConfiguration, op, "reading config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, secerr.Wrap(secerr.KindConfiguration, op, "parsing config file", err)
		}
	}

	if secret := os.Getenv(EnvRootSecret); secret != "" {
		cfg.Key.RootSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration before the core is constructed.
// The escrow threshold rules mirror the escrow constructor so a bad
// file fails at startup, not at the first recovery.
func (c Config) Validate() error {
	const op = "config.Validate"

	if err := c.Key.ID().Validate(); err != nil {
		return err
	}
	if c.Escrow.MinimumSignatures < 1 {
		return secerr.New(secerr.KindConfiguration, op, "minimum signatures must be at least 1")
	}
	if c.Escrow.MinimumSignatures > len(c.Escrow.AuthorizedParties) {
		return secerr.New(secerr.KindConfiguration, op,
			"minimum signatures %d exceeds authorized parties %d",
			c.Escrow.MinimumSignatures, len(c.Escrow.AuthorizedParties))
	}
	for _, p := range c.Escrow.AuthorizedParties {
		if p == "" {
			return secerr.New(secerr.KindConfiguration, op, "authorized party name cannot be empty")
		}
	}
	if c.Audit.RetentionDays < 1 {
		return secerr.New(secerr.KindConfiguration, op, "audit retention must be at least 1 day")
	}
	if c.Server.RatePerSecond <= 0 {
		return secerr.New(secerr.KindConfiguration, op, "rate limit must be positive")
	}
	// Both intervals feed time.NewTicker, which panics on non-positive
	// durations.
	if c.Audit.CleanupInterval.Std() <= 0 {
		return secerr.New(secerr.KindConfiguration, op, "audit cleanup interval must be positive")
	}
	if c.Observe.CheckInterval.Std() <= 0 {
		return secerr.New(secerr.KindConfiguration, op, "health check interval must be positive")
	}
	return nil
}
