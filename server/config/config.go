// Package config loads server configuration from the environment, per the
// external-interfaces contract: master key, session TTL, max message
// length, encryption toggle, TLS paths, broker URL, and listen addresses.
// Flag parsing is out of scope; cobra only selects a subcommand, so
// everything else here is env-var driven.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the server needs at
// startup.
type Config struct {
	// MasterKey is the 32-byte conversation-key derivation secret.
	// Required when EnableEncryption is true.
	MasterKey []byte
	// EnableEncryption toggles message sealing. When false, messages are
	// stored as legacy plaintext rows.
	EnableEncryption bool

	// SessionTTL is how long a freshly minted session token remains
	// valid.
	SessionTTL time.Duration

	// MaxMessageLength bounds message bodies; one byte over is rejected
	// with a precondition error.
	MaxMessageLength int

	// TLSCertPath and TLSKeyPath, if both set, enable TLS on the command
	// channel listener.
	TLSCertPath string
	TLSKeyPath  string

	// BrokerURL, if set, is a Redis connection string for cross-instance
	// fan-out. If unset the server runs in single-instance mode.
	BrokerURL string

	// CommandAddr and PushAddr are the listen addresses for the two
	// channels.
	CommandAddr string
	PushAddr    string

	// MetricsAddr is the listen address for the Prometheus exposition
	// endpoint.
	MetricsAddr string
}

const (
	envMasterKey         = "RUGGINE_MASTER_KEY"
	envEnableEncryption  = "RUGGINE_ENABLE_ENCRYPTION"
	envSessionTTLDays    = "RUGGINE_SESSION_TTL_DAYS"
	envMaxMessageLength  = "RUGGINE_MAX_MESSAGE_LENGTH"
	envTLSCertPath       = "RUGGINE_TLS_CERT_PATH"
	envTLSKeyPath        = "RUGGINE_TLS_KEY_PATH"
	envBrokerURL         = "RUGGINE_BROKER_URL"
	envCommandAddr       = "RUGGINE_COMMAND_ADDR"
	envPushAddr          = "RUGGINE_PUSH_ADDR"
	envMetricsAddr       = "RUGGINE_METRICS_ADDR"
	envDatabaseURL       = "RUGGINE_DATABASE_URL"

	defaultSessionTTLDays   = 7
	defaultMaxMessageLength = 4096 // 4 KiB
	defaultCommandAddr      = ":12345"
	defaultPushAddr         = ":12346"
	defaultMetricsAddr      = ":12347"
)

// DatabaseURL returns the Postgres connection string. It is read
// separately from Load because it is required unconditionally, unlike
// every other setting which has a workable default.
func DatabaseURL() string {
	return os.Getenv(envDatabaseURL)
}

// Load reads an optional dotenv file (silently skipped if absent) and then
// the process environment, applying defaults for anything unset.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading %s: %w", dotenvPath, err)
		}
	} else {
		// Best-effort local .env; absence is not an error.
		_ = godotenv.Load()
	}

	cfg := &Config{
		EnableEncryption: boolOrDefault(envEnableEncryption, true),
		MaxMessageLength: intOrDefault(envMaxMessageLength, defaultMaxMessageLength),
		TLSCertPath:      os.Getenv(envTLSCertPath),
		TLSKeyPath:       os.Getenv(envTLSKeyPath),
		BrokerURL:        os.Getenv(envBrokerURL),
		CommandAddr:      stringOrDefault(envCommandAddr, defaultCommandAddr),
		PushAddr:         stringOrDefault(envPushAddr, defaultPushAddr),
		MetricsAddr:      stringOrDefault(envMetricsAddr, defaultMetricsAddr),
	}

	ttlDays := intOrDefault(envSessionTTLDays, defaultSessionTTLDays)
	cfg.SessionTTL = time.Duration(ttlDays) * 24 * time.Hour

	if cfg.EnableEncryption {
		raw := os.Getenv(envMasterKey)
		if raw == "" {
			return nil, fmt.Errorf("config: %s is required when encryption is enabled", envMasterKey)
		}
		key, err := decodeMasterKey(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", envMasterKey, err)
		}
		cfg.MasterKey = key
	}

	return cfg, nil
}

// decodeMasterKey accepts either raw 32-byte UTF-8 or standard base64
// encoding 32 bytes, so operators can pass either in an env var.
func decodeMasterKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, fmt.Errorf("must be 32 raw bytes or base64 of 32 bytes")
	}
	return decoded, nil
}

func stringOrDefault(env, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func intOrDefault(env string, def int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolOrDefault(env string, def bool) bool {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
