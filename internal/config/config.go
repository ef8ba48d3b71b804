// Package config centralises all environment / flag configuration for the
// searcher. It should be imported only by `cmd/cvescout` (and test code).
// Business-logic layers receive an already-built Config instance via
// dependency-injection.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime option the searcher needs.
// Keep it flat and simple—prefer primitive types over embedding structs.
type Config struct {
	// Record store
	ExcelPath    string
	CreateBackup bool

	// External services
	GitHubToken string
	ProjectID   string
	Location    string
	VertexModel string

	// Search tuning
	SearchLanguage     string
	MaxResultsPerQuery int
	MaxValidated       int
	FilterCap          int // survivors kept after scanner filtering
	ExcludeForks       bool
	ExcludeArchived    bool

	// Pacing and budgets
	PerResultDelay    time.Duration // between consumed search results
	InterQueryDelay   time.Duration // between search patterns
	RecordTimeout     time.Duration // soft per-record wall-clock budget
	LowQuotaThreshold int
	LowQuotaPause     time.Duration

	// Run control
	SaveInterval int
	MaxRecords   int // 0 = process everything
	LogDir       string
}

// Load parses the environment (and an optional .env file) into Config.
// It panics on missing critical variables so mis-configurations fail fast.
func Load() Config {
	// godotenv.Load() is a no-op if .env doesn't exist—safe in production.
	_ = godotenv.Load()

	return Config{
		ExcelPath:    getEnv("EXCEL_FILE", "dataclean_results.xlsx"),
		CreateBackup: getBool("CREATE_BACKUP", true),

		GitHubToken: must("GITHUB_TOKEN"),
		ProjectID:   must("GCP_PROJECT_ID"),
		Location:    must("GCP_LOCATION"),
		VertexModel: getEnv("VERTEX_MODEL", "gemini-2.0-flash-lite-001"),

		SearchLanguage:     getEnv("SEARCH_LANGUAGE", "python"),
		MaxResultsPerQuery: getInt("MAX_RESULTS_PER_QUERY", 10),
		MaxValidated:       getInt("MAX_REPOS_PER_VULNERABILITY", 5),
		FilterCap:          getInt("FILTER_CAP", 10),
		ExcludeForks:       getBool("EXCLUDE_FORKS", true),
		ExcludeArchived:    getBool("EXCLUDE_ARCHIVED", true),

		PerResultDelay:    getDuration("GITHUB_RATE_LIMIT_DELAY_SEC", 2),
		InterQueryDelay:   getDuration("QUERY_DELAY_SEC", 1),
		RecordTimeout:     getDuration("RECORD_TIMEOUT_SEC", 300),
		LowQuotaThreshold: getInt("LOW_QUOTA_THRESHOLD", 10),
		LowQuotaPause:     getDuration("LOW_QUOTA_PAUSE_SEC", 10),

		SaveInterval: getInt("SAVE_INTERVAL", 5),
		MaxRecords:   getInt("MAX_RECORDS", 0),
		LogDir:       getEnv("LOG_DIR", ""),
	}
}

// must fetches a required env var or terminates the program.
func must(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("env var %s is required", key)
	}
	return val
}

// getEnv returns env[key] if set, otherwise defaultVal.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getInt reads an integer from env, falling back to defaultVal.
func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("invalid %s=%q; using default %d", key, v, defaultVal)
	}
	return defaultVal
}

// getBool reads a boolean from env, falling back to defaultVal.
func getBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("invalid %s=%q; using default %t", key, v, defaultVal)
	}
	return defaultVal
}

// getDuration reads an integer (seconds) from env, falling back to defaultSec.
func getDuration(key string, defaultSec int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			return time.Duration(sec) * time.Second
		}
		log.Printf("invalid %s=%q; using default %ds", key, v, defaultSec)
	}
	return time.Duration(defaultSec) * time.Second
}
