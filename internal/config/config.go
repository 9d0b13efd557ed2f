package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nikhilbhutani/tallocr/internal/pipeline"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	LLM         LLMConfig
	Storage     StorageConfig
	Pipeline    PipelineConfig
	Recognition RecognitionConfig
	Worker      WorkerConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	MaxUploadMB   int
	RateLimitRPS  int
	AllowedOrigin string
}

type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	ConnectAttempts int
	MaxConnLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	GeminiKey        string
	OllamaURL        string
	DefaultProvider  string
	FallbackProvider string
	MaxRetries       int
}

type StorageConfig struct {
	Backend     string // "supabase" or "s3"
	SupabaseURL string
	SupabaseKey string
	Bucket      string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

type PipelineConfig struct {
	TileHeight     int
	Overlap        int
	MaxConcurrency int
	TileTimeout    time.Duration
	MaxTiles       int
}

type RecognitionConfig struct {
	Backend        string // "vision", "tesseract" or "http"
	VisionProvider string
	VisionModel    string
	TesseractPath  string
	TesseractLang  string
	InferenceURL   string
	InferenceToken string
	CacheTTL       time.Duration // 0 disables the result cache
}

type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration
}

// Options converts the env settings into a pipeline configuration.
func (p PipelineConfig) Options() pipeline.Config {
	return pipeline.Config{
		TileHeight:     p.TileHeight,
		OverlapPx:      p.Overlap,
		MaxConcurrency: p.MaxConcurrency,
		TileTimeout:    p.TileTimeout,
		MaxTiles:       p.MaxTiles,
	}
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	intVars := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"SERVER_PORT", 8080, &cfg.Server.Port},
		{"MAX_UPLOAD_MB", 50, &cfg.Server.MaxUploadMB},
		{"RATE_LIMIT_RPS", 20, &cfg.Server.RateLimitRPS},
		{"DB_MAX_CONNS", 20, &cfg.Database.MaxConns},
		{"DB_MIN_CONNS", 2, &cfg.Database.MinConns},
		{"DB_CONNECT_ATTEMPTS", 5, &cfg.Database.ConnectAttempts},
		{"REDIS_DB", 0, &cfg.Redis.DB},
		{"LLM_MAX_RETRIES", 0, &cfg.LLM.MaxRetries},
		{"TILE_HEIGHT", 2000, &cfg.Pipeline.TileHeight},
		{"TILE_OVERLAP", 200, &cfg.Pipeline.Overlap},
		{"MAX_CONCURRENCY", 4, &cfg.Pipeline.MaxConcurrency},
		{"MAX_TILES", 500, &cfg.Pipeline.MaxTiles},
		{"WORKER_CONCURRENCY", 4, &cfg.Worker.Concurrency},
	}
	for _, v := range intVars {
		n, err := getEnvInt(v.key, v.fallback)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		*v.dst = n
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"TILE_TIMEOUT", 60 * time.Second, &cfg.Pipeline.TileTimeout},
		{"DB_MAX_CONN_LIFETIME", time.Hour, &cfg.Database.MaxConnLifetime},
		{"RECOGNITION_CACHE_TTL", 24 * time.Hour, &cfg.Recognition.CacheTTL},
		{"WORKER_JOB_TIMEOUT", 30 * time.Minute, &cfg.Worker.JobTimeout},
	}
	for _, v := range durations {
		d, err := getEnvDuration(v.key, v.fallback)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		*v.dst = d
	}

	cfg.Server.Host = getEnv("SERVER_HOST", "0.0.0.0")
	cfg.Server.AllowedOrigin = getEnv("CORS_ALLOWED_ORIGIN", "*")
	cfg.Database.URL = getEnv("DATABASE_URL", "")
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", "")
	cfg.LLM = LLMConfig{
		OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
		AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
		GeminiKey:        getEnv("GEMINI_API_KEY", ""),
		OllamaURL:        getEnv("OLLAMA_URL", ""),
		DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
		FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
		MaxRetries:       cfg.LLM.MaxRetries,
	}
	cfg.Storage = StorageConfig{
		Backend:     getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL: getEnv("SUPABASE_URL", ""),
		SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		Bucket:      getEnv("STORAGE_BUCKET", "screenshots"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
	}
	cfg.Recognition.Backend = getEnv("RECOGNITION_BACKEND", "vision")
	cfg.Recognition.VisionProvider = getEnv("VISION_PROVIDER", "")
	cfg.Recognition.VisionModel = getEnv("VISION_MODEL", "")
	cfg.Recognition.TesseractPath = getEnv("TESSERACT_PATH", "tesseract")
	cfg.Recognition.TesseractLang = getEnv("TESSERACT_LANG", "eng")
	cfg.Recognition.InferenceURL = getEnv("INFERENCE_URL", "")
	cfg.Recognition.InferenceToken = getEnv("INFERENCE_TOKEN", "")

	return &cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks what the API and worker need to start.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if err := c.Recognition.Validate(); err != nil {
		return err
	}
	return c.Pipeline.Options().Validate()
}

// Validate checks that the selected recognition backend is usable.
func (r RecognitionConfig) Validate() error {
	switch r.Backend {
	case "vision", "tesseract":
	case "http":
		if r.InferenceURL == "" {
			return fmt.Errorf("RECOGNITION_BACKEND=http requires INFERENCE_URL")
		}
	default:
		return fmt.Errorf("unknown RECOGNITION_BACKEND %q (want vision, tesseract or http)", r.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
