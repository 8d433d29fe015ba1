package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Record store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendS3       = "s3"
)

// Vote lock modes.
const (
	VoteLockLocal = "local"
	VoteLockRedis = "redis"
	VoteLockNone  = "none"
)

type Config struct {
	Addr       string
	Env        string
	CORSOrigin string
	// Admin
	AdminSecret     string
	AdminSecretHash string
	// AI proxy (embeddings + chat completions)
	AIProxyURL         string
	AIProxyKey         string
	EmbeddingModel     string
	ChatModel          string
	EmbeddingDimension int
	AICacheEnabled     bool
	AICacheSize        int
	AnalysisLanguage   string
	// Vector index
	VectorURL        string
	VectorKey        string
	VectorCollection string
	// Remote call policy
	RemoteTimeout       time.Duration
	RemoteMaxAttempts   int
	RemoteRetryDelay    time.Duration
	BreakerEnabled      bool
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
	// Record store
	RecordBackend       string
	RecordsPath         string
	DatabaseURL         string
	StoreAppendAttempts int
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	S3Bucket            string
	S3Object            string
	S3UseSSL            bool
	// Keyword mirror
	MeiliURL       string
	MeiliMasterKey string
	// Vote lock
	VoteLock string
	RedisURL string
}

// IsDevelopment reports whether debug detail may be exposed in error responses.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// AIConfigured reports whether the AI proxy endpoint is set.
func (c Config) AIConfigured() bool {
	return strings.TrimSpace(c.AIProxyURL) != ""
}

// VectorConfigured reports whether the vector index endpoint is set.
func (c Config) VectorConfigured() bool {
	return strings.TrimSpace(c.VectorURL) != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API_ADDR", ":8787")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("CORS_ORIGIN", "*")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	v.SetDefault("CHAT_MODEL", "gpt-4o-mini")
	v.SetDefault("EMBEDDING_DIMENSION", 1536)
	v.SetDefault("AI_CACHE_ENABLED", false)
	v.SetDefault("AI_CACHE_SIZE", 1000)
	v.SetDefault("ANALYSIS_LANGUAGE", "zh")
	v.SetDefault("VECTOR_COLLECTION", "proposals")
	v.SetDefault("REMOTE_TIMEOUT", "30s")
	v.SetDefault("REMOTE_MAX_ATTEMPTS", 3)
	v.SetDefault("REMOTE_RETRY_DELAY", "1s")
	v.SetDefault("BREAKER_ENABLED", false)
	v.SetDefault("BREAKER_FAILURE_RATIO", 0.6)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", "30s")
	v.SetDefault("RECORD_BACKEND", BackendFile)
	v.SetDefault("RECORDS_PATH", "./data/proposals.json")
	v.SetDefault("STORE_APPEND_ATTEMPTS", 2)
	v.SetDefault("S3_BUCKET", "agora")
	v.SetDefault("S3_OBJECT", "proposals.json")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("VOTE_LOCK", VoteLockLocal)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
}

// Load resolves the configuration once from the environment and, when
// AGORA_CONFIG names a file, from that file. Environment values win.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("AGORA_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:                v.GetString("API_ADDR"),
		Env:                 v.GetString("APP_ENV"),
		CORSOrigin:          v.GetString("CORS_ORIGIN"),
		AdminSecret:         v.GetString("ADMIN_SECRET"),
		AdminSecretHash:     v.GetString("ADMIN_SECRET_HASH"),
		AIProxyURL:          strings.TrimRight(strings.TrimSpace(v.GetString("AI_PROXY_URL")), "/"),
		AIProxyKey:          v.GetString("AI_PROXY_KEY"),
		EmbeddingModel:      v.GetString("EMBEDDING_MODEL"),
		ChatModel:           v.GetString("CHAT_MODEL"),
		EmbeddingDimension:  v.GetInt("EMBEDDING_DIMENSION"),
		AICacheEnabled:      v.GetBool("AI_CACHE_ENABLED"),
		AICacheSize:         v.GetInt("AI_CACHE_SIZE"),
		AnalysisLanguage:    v.GetString("ANALYSIS_LANGUAGE"),
		VectorURL:           strings.TrimRight(strings.TrimSpace(v.GetString("ZILLIZ_API_URL")), "/"),
		VectorKey:           v.GetString("ZILLIZ_API_KEY"),
		VectorCollection:    v.GetString("VECTOR_COLLECTION"),
		RemoteTimeout:       v.GetDuration("REMOTE_TIMEOUT"),
		RemoteMaxAttempts:   v.GetInt("REMOTE_MAX_ATTEMPTS"),
		RemoteRetryDelay:    v.GetDuration("REMOTE_RETRY_DELAY"),
		BreakerEnabled:      v.GetBool("BREAKER_ENABLED"),
		BreakerFailureRatio: v.GetFloat64("BREAKER_FAILURE_RATIO"),
		BreakerOpenTimeout:  v.GetDuration("BREAKER_OPEN_TIMEOUT"),
		RecordBackend:       strings.ToLower(v.GetString("RECORD_BACKEND")),
		RecordsPath:         v.GetString("RECORDS_PATH"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		StoreAppendAttempts: v.GetInt("STORE_APPEND_ATTEMPTS"),
		S3Endpoint:          v.GetString("S3_ENDPOINT"),
		S3AccessKey:         v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:         v.GetString("S3_SECRET_KEY"),
		S3Bucket:            v.GetString("S3_BUCKET"),
		S3Object:            v.GetString("S3_OBJECT"),
		S3UseSSL:            v.GetBool("S3_USE_SSL"),
		MeiliURL:            v.GetString("MEILI_URL"),
		MeiliMasterKey:      v.GetString("MEILI_MASTER_KEY"),
		VoteLock:            strings.ToLower(v.GetString("VOTE_LOCK")),
		RedisURL:            v.GetString("REDIS_URL"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.RecordBackend {
	case BackendFile, BackendPostgres, BackendSQLite, BackendS3:
	default:
		return fmt.Errorf("unknown RECORD_BACKEND %q", c.RecordBackend)
	}
	switch c.VoteLock {
	case VoteLockLocal, VoteLockRedis, VoteLockNone:
	default:
		return fmt.Errorf("unknown VOTE_LOCK %q", c.VoteLock)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	if c.RemoteMaxAttempts < 1 {
		return fmt.Errorf("REMOTE_MAX_ATTEMPTS must be at least 1, got %d", c.RemoteMaxAttempts)
	}
	return nil
}
