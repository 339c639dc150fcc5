// Package config builds the kernel's single Config record at startup.
// Other packages receive most settings through an explicit constructor
// argument; pkg/authn reads CORS_ORIGINS and pkg/artifacts reads its
// ARTIFACT_*, DATA_DIR and AWS_REGION variables with os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ObjectLockMode constrains AUDIT_OBJECT_LOCK_MODE to the two WORM modes
// an archive bucket can enforce.
type ObjectLockMode string

const (
	ObjectLockGovernance ObjectLockMode = "GOVERNANCE"
	ObjectLockCompliance ObjectLockMode = "COMPLIANCE"
)

// Config is the kernel's fully resolved runtime configuration: every
// environment variable from the external interface section, merged with
// an optional YAML overlay (env wins on conflict).
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Database, for the Postgres-backed Audit Chain / Manifest / Idempotency stores.
	DatabaseURL string

	// AuditSQLitePath, when set and DatabaseURL is not, runs the Audit
	// Chain against an embedded SQLite file instead of in-memory — a
	// durable single-node option for edge deployments that don't want to
	// run Postgres. It only affects the Audit Chain; the Manifest and
	// Idempotency stores still fall back to memory in that case.
	AuditSQLitePath string

	// IdempotencyRedisURL, when set, backs the Idempotency Store with
	// Redis instead of Postgres or memory; it takes priority over
	// DatabaseURL for that one store since Redis's SET NX gives cheaper
	// first-reserve-wins semantics than a Postgres row lock.
	IdempotencyRedisURL string

	// Signing
	RequireKMS             bool
	RequireMTLS            bool
	SigningProxyURL        string
	SigningProxyTimeoutMS  int
	SigningProxyMaxRetries int

	// SigningKMSKeyID selects the AWS KMS provider when set (a key ARN or
	// alias). It takes priority over SigningProxyURL: a deployment that
	// sets both is choosing KMS as its signing source of truth.
	SigningKMSKeyID     string
	SigningKMSKID       string
	SigningKMSRegion    string
	SigningKMSAlgorithm string

	// Audit archive
	AuditArchiveBucket  string
	AuditObjectLockMode ObjectLockMode

	// Governance
	IdempotencyTTLSeconds    int
	MultisigDefaultThreshold int
	PolicyGateURL            string

	// Observability
	OTLPEndpoint string
	Environment  string
	TelemetryOn  bool
	CORSOrigins  []string
}

// IdempotencyTTL returns the idempotency retention window as a Duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

// PolicyGateEnabled reports whether a policy gate endpoint is configured.
func (c *Config) PolicyGateEnabled() bool {
	return c.PolicyGateURL != ""
}

const (
	defaultIdempotencyTTLSeconds = 86400
	minIdempotencyTTLSeconds     = 3600
	defaultMultisigThreshold     = 2
	defaultProxyTimeoutMS        = 3000
	defaultProxyMaxRetries       = 1
)

// Load builds a Config from environment variables, optionally overlaid
// with a YAML file named by KERNEL_CONFIG_FILE. Values present in the
// environment always win over the file, so an overlay can supply
// defaults for a deployment without letting a stale file silently
// override an operator's env var.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                     getenv("PORT", "8080"),
		LogLevel:                 getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:              getenv("DATABASE_URL", ""),
		AuditSQLitePath:          getenv("AUDIT_SQLITE_PATH", ""),
		IdempotencyRedisURL:      getenv("IDEMPOTENCY_REDIS_URL", ""),
		RequireKMS:               getenvBool("REQUIRE_KMS", false),
		RequireMTLS:              getenvBool("REQUIRE_MTLS", false),
		SigningProxyURL:          getenv("SIGNING_PROXY_URL", ""),
		SigningProxyTimeoutMS:    getenvInt("SIGNING_PROXY_TIMEOUT_MS", defaultProxyTimeoutMS),
		SigningProxyMaxRetries:   getenvInt("SIGNING_PROXY_MAX_RETRIES", defaultProxyMaxRetries),
		SigningKMSKeyID:          getenv("SIGNING_KMS_KEY_ID", ""),
		SigningKMSKID:            getenv("SIGNING_KMS_KID", "kernel-kms-1"),
		SigningKMSRegion:         getenv("SIGNING_KMS_REGION", ""),
		SigningKMSAlgorithm:      getenv("SIGNING_KMS_ALGORITHM", "ecdsa-p256-sha256"),
		AuditArchiveBucket:       getenv("AUDIT_ARCHIVE_BUCKET", ""),
		AuditObjectLockMode:      ObjectLockMode(getenv("AUDIT_OBJECT_LOCK_MODE", string(ObjectLockGovernance))),
		IdempotencyTTLSeconds:    getenvInt("IDEMPOTENCY_TTL_SECONDS", defaultIdempotencyTTLSeconds),
		MultisigDefaultThreshold: getenvInt("MULTISIG_DEFAULT_THRESHOLD", defaultMultisigThreshold),
		PolicyGateURL:            getenv("POLICY_GATE_URL", ""),
		OTLPEndpoint:             getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:              getenv("KERNEL_ENV", "development"),
		TelemetryOn:              getenvBool("TELEMETRY_ENABLED", true),
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	}

	if path := os.Getenv("KERNEL_CONFIG_FILE"); path != "" {
		if err := mergeOverlay(cfg, path); err != nil {
			return nil, err
		}
	}

	if cfg.IdempotencyTTLSeconds < minIdempotencyTTLSeconds {
		return nil, fmt.Errorf("config: IDEMPOTENCY_TTL_SECONDS must be >= %d, got %d", minIdempotencyTTLSeconds, cfg.IdempotencyTTLSeconds)
	}
	if cfg.AuditObjectLockMode != ObjectLockGovernance && cfg.AuditObjectLockMode != ObjectLockCompliance {
		return nil, fmt.Errorf("config: AUDIT_OBJECT_LOCK_MODE must be GOVERNANCE or COMPLIANCE, got %q", cfg.AuditObjectLockMode)
	}
	if cfg.RequireKMS && cfg.SigningProxyURL == "" && cfg.SigningKMSKeyID == "" {
		return nil, fmt.Errorf("config: REQUIRE_KMS is set but neither SIGNING_KMS_KEY_ID nor SIGNING_PROXY_URL is configured")
	}

	return cfg, nil
}

// overlay mirrors the subset of Config fields an operator may supply via
// YAML; only the zero-value env fields are filled in from it, so env
// vars the operator did set are never clobbered.
type overlay struct {
	Port                     *string `yaml:"port"`
	LogLevel                 *string `yaml:"log_level"`
	DatabaseURL              *string `yaml:"database_url"`
	AuditSQLitePath          *string `yaml:"audit_sqlite_path"`
	SigningProxyURL          *string `yaml:"signing_proxy_url"`
	SigningKMSKeyID          *string `yaml:"signing_kms_key_id"`
	AuditArchiveBucket       *string `yaml:"audit_archive_bucket"`
	PolicyGateURL            *string `yaml:"policy_gate_url"`
	MultisigDefaultThreshold *int    `yaml:"multisig_default_threshold"`
}

func mergeOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %q: %w", path, err)
	}

	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse overlay %q: %w", path, err)
	}

	if ov.Port != nil && os.Getenv("PORT") == "" {
		cfg.Port = *ov.Port
	}
	if ov.LogLevel != nil && os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = *ov.LogLevel
	}
	if ov.DatabaseURL != nil && os.Getenv("DATABASE_URL") == "" {
		cfg.DatabaseURL = *ov.DatabaseURL
	}
	if ov.AuditSQLitePath != nil && os.Getenv("AUDIT_SQLITE_PATH") == "" {
		cfg.AuditSQLitePath = *ov.AuditSQLitePath
	}
	if ov.SigningProxyURL != nil && os.Getenv("SIGNING_PROXY_URL") == "" {
		cfg.SigningProxyURL = *ov.SigningProxyURL
	}
	if ov.SigningKMSKeyID != nil && os.Getenv("SIGNING_KMS_KEY_ID") == "" {
		cfg.SigningKMSKeyID = *ov.SigningKMSKeyID
	}
	if ov.AuditArchiveBucket != nil && os.Getenv("AUDIT_ARCHIVE_BUCKET") == "" {
		cfg.AuditArchiveBucket = *ov.AuditArchiveBucket
	}
	if ov.PolicyGateURL != nil && os.Getenv("POLICY_GATE_URL") == "" {
		cfg.PolicyGateURL = *ov.PolicyGateURL
	}
	if ov.MultisigDefaultThreshold != nil && os.Getenv("MULTISIG_DEFAULT_THRESHOLD") == "" {
		cfg.MultisigDefaultThreshold = *ov.MultisigDefaultThreshold
	}

	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
