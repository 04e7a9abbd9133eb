package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage and process modes.
const (
	DriverMemory     = "memory"
	DriverPostgres   = "postgres"
	DriverMongo      = "mongo"
	DriverFilesystem = "filesystem"

	ModeBuiltin  = "builtin"
	ModeExternal = "external"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LedgerDriver       string        `mapstructure:"LEDGER_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	MongoURI           string        `mapstructure:"MONGO_URI"`
	MongoDatabase      string        `mapstructure:"MONGO_DATABASE"`
	BlobDriver         string        `mapstructure:"BLOB_DRIVER"`
	BlobDir            string        `mapstructure:"BLOB_DIR"`
	HIPAAEncryptionKey string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	KEKVersion         int           `mapstructure:"KEK_VERSION"`
	PreviousKeys       string        `mapstructure:"PREVIOUS_ENCRYPTION_KEYS"`
	RedactorMode       string        `mapstructure:"REDACTOR_MODE"`
	RedactorCommand    string        `mapstructure:"REDACTOR_COMMAND"`
	SealerMode         string        `mapstructure:"SEALER_MODE"`
	SealerCommand      string        `mapstructure:"SEALER_COMMAND"`
	ExternalTimeout    time.Duration `mapstructure:"EXTERNAL_TIMEOUT"`
	RedactionRulesFile string        `mapstructure:"REDACTION_RULES_FILE"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled         bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile        string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile         string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LEDGER_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MONGO_URI", "MONGO_DATABASE", "BLOB_DRIVER", "BLOB_DIR",
	"HIPAA_ENCRYPTION_KEY", "KEK_VERSION", "PREVIOUS_ENCRYPTION_KEYS",
	"REDACTOR_MODE", "REDACTOR_COMMAND", "SEALER_MODE", "SEALER_COMMAND",
	"EXTERNAL_TIMEOUT", "REDACTION_RULES_FILE", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LEDGER_DRIVER", DriverMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MONGO_DATABASE", "project_DB_4485")
	v.SetDefault("BLOB_DRIVER", DriverFilesystem)
	v.SetDefault("BLOB_DIR", "./data")
	v.SetDefault("KEK_VERSION", 1)
	v.SetDefault("REDACTOR_MODE", ModeBuiltin)
	v.SetDefault("SEALER_MODE", ModeBuiltin)
	v.SetDefault("EXTERNAL_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.IsDev() && cfg.HIPAAEncryptionKey == "" {
		log.Println("WARNING: HIPAA_ENCRYPTION_KEY is not set; sealing keys are wrapped with an ephemeral key")
		log.Println("WARNING: and cannot be recovered after a restart. Do NOT use this in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RedactorArgv splits REDACTOR_COMMAND on whitespace.
func (c *Config) RedactorArgv() []string { return strings.Fields(c.RedactorCommand) }

// SealerArgv splits SEALER_COMMAND on whitespace.
func (c *Config) SealerArgv() []string { return strings.Fields(c.SealerCommand) }

// Validate checks that the configuration is consistent before anything is
// opened. In production HIPAA_ENCRYPTION_KEY is required and must be a valid
// 64-character hex string (32 bytes when decoded).
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when LEDGER_DRIVER is %q", DriverMongo)
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("MONGO_DATABASE is required when LEDGER_DRIVER is %q", DriverMongo)
		}
	default:
		return fmt.Errorf("LEDGER_DRIVER must be %q, %q, or %q, got %q", DriverMemory, DriverPostgres, DriverMongo, c.LedgerDriver)
	}

	switch c.BlobDriver {
	case DriverMemory:
	case DriverFilesystem:
		if c.BlobDir == "" {
			return fmt.Errorf("BLOB_DIR is required when BLOB_DRIVER is %q", DriverFilesystem)
		}
	default:
		return fmt.Errorf("BLOB_DRIVER must be %q or %q, got %q", DriverMemory, DriverFilesystem, c.BlobDriver)
	}

	if err := validateMode("REDACTOR", c.RedactorMode, c.RedactorArgv()); err != nil {
		return err
	}
	if err := validateMode("SEALER", c.SealerMode, c.SealerArgv()); err != nil {
		return err
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_TIMEOUT must be positive, got %s", c.ExternalTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.IsProduction() && c.LedgerDriver == DriverMemory {
		return fmt.Errorf("LEDGER_DRIVER %q loses every record on restart and is not allowed in production", DriverMemory)
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.KEKVersion < 1 {
		return fmt.Errorf("KEK_VERSION must be at least 1, got %d", c.KEKVersion)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

func validateMode(prefix, mode string, argv []string) error {
	switch mode {
	case ModeBuiltin:
		return nil
	case ModeExternal:
		if len(argv) == 0 {
			return fmt.Errorf("%s_COMMAND is required when %s_MODE is %q", prefix, prefix, ModeExternal)
		}
		return nil
	default:
		return fmt.Errorf("%s_MODE must be %q or %q, got %q", prefix, ModeBuiltin, ModeExternal, mode)
	}
}
