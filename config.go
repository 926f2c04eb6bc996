package phivault

import (
	"fmt"
	"os"
	"time"

	"github.com/hengadev/errsx"
)

// Config holds the settings for building the engine. It contains only data,
// no behavior; load it from the environment, a file, or code and pass it
// explicitly to the constructors.
type Config struct {
	// KEKAlias is the Key Encryption Key identifier in the KMS.
	// AWS KMS: "alias/my-key" or a full ARN; Vault Transit: the key name.
	// Required.
	KEKAlias string

	// AuditDBPath is the sqlite file holding the append-only audit chain
	// and its tail pointer. Default: phivault_audit.db
	AuditDBPath string

	// KeyDBPath is the sqlite file holding KEK version metadata used for
	// rotation and revocation. Default: phivault_keys.db
	KeyDBPath string

	// PolicyPath is the YAML file with the role -> resource -> field
	// visibility table. Required; a missing or malformed table is fatal at
	// startup, never a per-request condition.
	PolicyPath string

	// AppendTimeout bounds how long a chain append may block on storage
	// I/O. On timeout the enclosing PHI access fails; the engine never
	// fabricates a success. Default: 5s
	AppendTimeout time.Duration

	// ListenAddr is the HTTP bind address for the read-only API.
	// Default: :8080
	ListenAddr string
}

// Validate checks the configuration and applies defaults to optional
// fields. It returns a configuration error naming every invalid field.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.KEKAlias == "" {
		errs.Set("kek_alias", "KEK alias is required")
	}
	if len(c.KEKAlias) > 256 {
		errs.Set("kek_alias", "KEK alias exceeds 256 characters")
	}
	if c.PolicyPath == "" {
		errs.Set("policy_path", "policy table path is required")
	}
	if c.AppendTimeout < 0 {
		errs.Set("append_timeout", "append timeout must not be negative")
	}

	if c.AuditDBPath == "" {
		c.AuditDBPath = "phivault_audit.db"
	}
	if c.KeyDBPath == "" {
		c.KeyDBPath = "phivault_keys.db"
	}
	if c.AppendTimeout == 0 {
		c.AppendTimeout = 5 * time.Second
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// ConfigFromEnv builds a Config from PHIVAULT_* environment variables.
// Callers still run Validate afterwards.
func ConfigFromEnv() Config {
	cfg := Config{
		KEKAlias:    os.Getenv("PHIVAULT_KEK_ALIAS"),
		AuditDBPath: os.Getenv("PHIVAULT_AUDIT_DB"),
		KeyDBPath:   os.Getenv("PHIVAULT_KEY_DB"),
		PolicyPath:  os.Getenv("PHIVAULT_POLICY_PATH"),
		ListenAddr:  os.Getenv("PHIVAULT_LISTEN_ADDR"),
	}
	if raw := os.Getenv("PHIVAULT_APPEND_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.AppendTimeout = d
		}
	}
	return cfg
}
