package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port               string
	LogLevel           string
	PolicyMode         string // "remote" | "cel" | "fallback"
	PolicyEngineURL    string
	PolicyBundlePath   string
	ConstitutionalHash string
	CacheTTL           time.Duration
	RedisURL           string
	AuditBackendURL    string
	ArchiveDatabaseURL string
	FailedItemDBPath   string
	EvidenceBucket     string
	AWSRegion          string
	S3Endpoint         string
	ProfilesDir        string
	Profile            string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	mode := os.Getenv("POLICY_MODE")
	if mode == "" {
		// No decision authority configured means fail-closed.
		mode = "fallback"
	}

	cacheTTL := 5 * time.Minute
	if raw := os.Getenv("POLICY_CACHE_TTL_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			cacheTTL = time.Duration(secs) * time.Second
		}
	}

	failedDB := os.Getenv("FAILED_ITEM_DB_PATH")
	if failedDB == "" {
		failedDB = "aegis_failed_items.db"
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		PolicyMode:         mode,
		PolicyEngineURL:    os.Getenv("POLICY_ENGINE_URL"),
		PolicyBundlePath:   os.Getenv("POLICY_BUNDLE_PATH"),
		ConstitutionalHash: os.Getenv("CONSTITUTIONAL_HASH"),
		CacheTTL:           cacheTTL,
		RedisURL:           os.Getenv("REDIS_URL"),
		AuditBackendURL:    os.Getenv("AUDIT_BACKEND_URL"),
		ArchiveDatabaseURL: os.Getenv("ARCHIVE_DATABASE_URL"),
		FailedItemDBPath:   failedDB,
		EvidenceBucket:     os.Getenv("EVIDENCE_BUCKET"),
		AWSRegion:          os.Getenv("AWS_REGION"),
		S3Endpoint:         os.Getenv("S3_ENDPOINT"),
		ProfilesDir:        os.Getenv("PROFILES_DIR"),
		Profile:            os.Getenv("DEPLOYMENT_PROFILE"),
	}
}
