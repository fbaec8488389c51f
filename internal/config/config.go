package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env      string
	Database DatabaseConfig
	AWS      AWSConfig
	Gemini   GeminiConfig
	Pipeline PipelineConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool
}

// AWSConfig holds object store and queue configuration
type AWSConfig struct {
	Region          string
	Bucket          string
	TaskQueueURL    string // extraction tasks, one message per page
	DepositQueueURL string // blob-deposited notifications from the object store
}

// GeminiConfig holds model selection for the Gemini API
type GeminiConfig struct {
	APIKey          string
	ExtractionModel string
	AnswerModel     string
	EmbeddingModel  string
}

// PipelineConfig holds ingestion tuning knobs
type PipelineConfig struct {
	MaxUploadFiles   int
	UploadGrantTTL   time.Duration
	SplitConcurrency int
	MutoolPath       string
	HeifConvertPath  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Env: getEnv("APP_ENV", "development"),
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "logbook"),
			Alter:    getEnv("DB_ALTER", "false") == "true",
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			Bucket:          os.Getenv("LOGBOOK_BUCKET"),
			TaskQueueURL:    os.Getenv("EXTRACTION_QUEUE_URL"),
			DepositQueueURL: os.Getenv("DEPOSIT_QUEUE_URL"),
		},
		Gemini: GeminiConfig{
			APIKey:          os.Getenv("GEMINI_API_KEY"),
			ExtractionModel: getEnv("GEMINI_EXTRACTION_MODEL", "gemini-2.5-flash"),
			AnswerModel:     getEnv("GEMINI_ANSWER_MODEL", "gemini-2.5-flash"),
			EmbeddingModel:  getEnv("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),
		},
		Pipeline: PipelineConfig{
			MaxUploadFiles:   getEnvInt("MAX_UPLOAD_FILES", 500),
			UploadGrantTTL:   getEnvDuration("UPLOAD_GRANT_TTL", time.Hour),
			SplitConcurrency: getEnvInt("SPLIT_CONCURRENCY", 4),
			MutoolPath:       os.Getenv("MUTOOL_PATH"),
			HeifConvertPath:  os.Getenv("HEIF_CONVERT_PATH"),
		},
	}, nil
}

// RequireGemini fails when the Gemini API key is missing. Only the binaries
// that actually call the model enforce this.
func (c *Config) RequireGemini() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	return nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
