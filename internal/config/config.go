package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Tencent credentials are shared by the ASR task API and COS object
	// storage, matching how the cloud console issues them.
	TencentSecretID  string `env:"TENCENT_SECRET_ID,required"`
	TencentSecretKey string `env:"TENCENT_SECRET_KEY,required"`

	ASRRegion       string        `env:"ASR_REGION" envDefault:"ap-guangzhou"`
	ASREngineModel  string        `env:"ASR_ENGINE_MODEL" envDefault:"16k_zh"`
	ASRPollInterval time.Duration `env:"ASR_POLL_INTERVAL" envDefault:"10s"`
	ASRPollBudget   time.Duration `env:"ASR_POLL_BUDGET" envDefault:"30m"`

	// COSBucket is the full bucket name including the appid suffix,
	// e.g. "mindmill-1250000000".
	COSBucket     string        `env:"COS_BUCKET,required"`
	COSRegion     string        `env:"COS_REGION" envDefault:"ap-guangzhou"`
	COSEndpoint   string        `env:"COS_ENDPOINT"`
	PresignExpiry time.Duration `env:"COS_PRESIGN_EXPIRY" envDefault:"12h"`

	LLMAPIKey  string `env:"LLM_API_KEY,required"`
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.siliconflow.cn/v1"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"Pro/deepseek-ai/DeepSeek-V3"`

	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	ChunkThresholdMB int `env:"CHUNK_THRESHOLD_MB" envDefault:"90"`
	PoolWidth        int `env:"POOL_WIDTH" envDefault:"4"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryMaxElapsed  time.Duration `env:"RETRY_MAX_ELAPSED" envDefault:"5m"`

	// HTTPAddr enables the ops server (health + metrics) when set.
	HTTPAddr     string        `env:"HTTP_ADDR"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	YtdlpPath   string `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	FFmpegPath  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath string `env:"FFPROBE_PATH" envDefault:"ffprobe"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	DataDir  string
	HTTPAddr string
	LogLevel string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ChunkThresholdMB < 1 {
		return fmt.Errorf("CHUNK_THRESHOLD_MB = %d, must be at least 1", c.ChunkThresholdMB)
	}
	if c.PoolWidth < 1 {
		return fmt.Errorf("POOL_WIDTH = %d, must be at least 1", c.PoolWidth)
	}
	if c.ASRPollInterval <= 0 {
		return fmt.Errorf("ASR_POLL_INTERVAL = %s, must be positive", c.ASRPollInterval)
	}
	if c.ASRPollBudget < c.ASRPollInterval {
		return fmt.Errorf("ASR_POLL_BUDGET = %s, must be at least ASR_POLL_INTERVAL (%s)",
			c.ASRPollBudget, c.ASRPollInterval)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS = %d, must be at least 1", c.RetryMaxAttempts)
	}
	return nil
}

// ChunkThresholdBytes converts the configured threshold to bytes.
func (c *Config) ChunkThresholdBytes() int64 {
	return int64(c.ChunkThresholdMB) * 1024 * 1024
}

func (c *Config) CacheDir() string   { return filepath.Join(c.DataDir, "cache") }
func (c *Config) AudioDir() string   { return filepath.Join(c.DataDir, "audio") }
func (c *Config) TextDir() string    { return filepath.Join(c.DataDir, "output", "text") }
func (c *Config) MindmapDir() string { return filepath.Join(c.DataDir, "output", "mindmap") }

// EnsureDirs creates the working directory tree under DataDir.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheDir(), c.AudioDir(), c.TextDir(), c.MindmapDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
