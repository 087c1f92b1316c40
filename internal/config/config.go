package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Storage    StorageConfig
	Generation GenerationConfig
	R2         R2Config
	Minio      MinioConfig
	Gateway    GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type AuthConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	OutlinePerMin int
	ImagePerHour  int
	VideoPerHour  int
}

// Storage backends
const (
	HistoryBackendFile  = "file"
	HistoryBackendRedis = "redis"

	ObjectBackendNone  = "none"
	ObjectBackendR2    = "r2"
	ObjectBackendMinio = "minio"
)

type StorageConfig struct {
	DataDir        string
	HistoryBackend string
	ObjectBackend  string
}

// ConfigDir holds the provider and video YAML files.
func (s StorageConfig) ConfigDir() string { return filepath.Join(s.DataDir, "config") }

// HistoryDir holds the history index and one directory per task.
func (s StorageConfig) HistoryDir() string { return filepath.Join(s.DataDir, "history") }

// PromptDir holds optional prompt overrides.
func (s StorageConfig) PromptDir() string { return filepath.Join(s.DataDir, "prompts") }

// VideoDir receives downloaded videos.
func (s StorageConfig) VideoDir() string { return filepath.Join(s.DataDir, "uploads", "videos") }

type GenerationConfig struct {
	Concurrency    int
	RateInterval   time.Duration
	TaskTTL        time.Duration
	ReferenceMaxKB int
	ThumbnailMaxKB int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GatewayConfig struct {
	Enabled bool
}

// SlogLevel maps server.log_level to a slog level.
func (c ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = viper.BindEnv("ratelimit.outline_per_min", "RATELIMIT_OUTLINE_PER_MIN")
	_ = viper.BindEnv("ratelimit.image_per_hour", "RATELIMIT_IMAGE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.video_per_hour", "RATELIMIT_VIDEO_PER_HOUR")
	_ = viper.BindEnv("storage.data_dir", "DATA_DIR")
	_ = viper.BindEnv("storage.history_backend", "HISTORY_BACKEND")
	_ = viper.BindEnv("storage.object_backend", "OBJECT_BACKEND")
	_ = viper.BindEnv("generation.concurrency", "GENERATION_CONCURRENCY")
	_ = viper.BindEnv("generation.rate_interval_ms", "GENERATION_RATE_INTERVAL_MS")
	_ = viper.BindEnv("generation.task_ttl_minutes", "GENERATION_TASK_TTL_MINUTES")
	_ = viper.BindEnv("generation.reference_max_kb", "GENERATION_REFERENCE_MAX_KB")
	_ = viper.BindEnv("generation.thumbnail_max_kb", "GENERATION_THUMBNAIL_MAX_KB")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	_ = viper.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	_ = viper.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	_ = viper.BindEnv("minio.bucket", "MINIO_BUCKET")
	_ = viper.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "5409")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("ratelimit.outline_per_min", 20)
	viper.SetDefault("ratelimit.image_per_hour", 30)
	viper.SetDefault("ratelimit.video_per_hour", 10)

	// Storage defaults
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("storage.history_backend", HistoryBackendFile)
	viper.SetDefault("storage.object_backend", ObjectBackendNone)

	// Generation defaults
	viper.SetDefault("generation.concurrency", 1)
	viper.SetDefault("generation.rate_interval_ms", 0)
	viper.SetDefault("generation.task_ttl_minutes", 120)
	viper.SetDefault("generation.reference_max_kb", 200)
	viper.SetDefault("generation.thumbnail_max_kb", 50)

	viper.SetDefault("minio.bucket", "make-a-note")
	viper.SetDefault("minio.use_ssl", false)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		Auth: AuthConfig{
			Enabled: viper.GetBool("auth.enabled"),
		},
		RateLimit: RateLimitConfig{
			OutlinePerMin: viper.GetInt("ratelimit.outline_per_min"),
			ImagePerHour:  viper.GetInt("ratelimit.image_per_hour"),
			VideoPerHour:  viper.GetInt("ratelimit.video_per_hour"),
		},
		Storage: StorageConfig{
			DataDir:        viper.GetString("storage.data_dir"),
			HistoryBackend: viper.GetString("storage.history_backend"),
			ObjectBackend:  viper.GetString("storage.object_backend"),
		},
		Generation: GenerationConfig{
			Concurrency:    viper.GetInt("generation.concurrency"),
			RateInterval:   time.Duration(viper.GetInt("generation.rate_interval_ms")) * time.Millisecond,
			TaskTTL:        time.Duration(viper.GetInt("generation.task_ttl_minutes")) * time.Minute,
			ReferenceMaxKB: viper.GetInt("generation.reference_max_kb"),
			ThumbnailMaxKB: viper.GetInt("generation.thumbnail_max_kb"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Minio: MinioConfig{
			Endpoint:  viper.GetString("minio.endpoint"),
			AccessKey: viper.GetString("minio.access_key"),
			SecretKey: viper.GetString("minio.secret_key"),
			Bucket:    viper.GetString("minio.bucket"),
			UseSSL:    viper.GetBool("minio.use_ssl"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
