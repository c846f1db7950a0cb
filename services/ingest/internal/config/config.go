package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"digibook/pkg/ocr"
)

// ConfigPath is the default config location, overridable with INGEST_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	LogsDir        string `yaml:"logsDir"`
	DatabaseURL    string `yaml:"databaseURL"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	CORSOrigins    string `yaml:"corsOrigins"`

	// storage
	ImageStore         string `yaml:"imageStore"`
	ImageDir           string `yaml:"imageDir"`
	WorkspaceDir       string `yaml:"workspaceDir"`
	WorkspaceMaxAgeMin int    `yaml:"workspaceMaxAgeMinutes"`
	SweepSchedule      string `yaml:"sweepSchedule"`
	MinioEndpoint      string `yaml:"minioEndpoint"`
	MinioAccessKey     string `yaml:"minioAccessKey"`
	MinioSecretKey     string `yaml:"minioSecretKey"`
	MinioBucket        string `yaml:"minioBucket"`
	MinioUseSSL        bool   `yaml:"minioUseSSL"`

	// extraction
	RasterBinary          string             `yaml:"rasterBinary"`
	RasterLongEdge        int                `yaml:"rasterLongEdge"`
	RasterRequired        bool               `yaml:"rasterRequired"`
	PdftotextBinary       string             `yaml:"pdftotextBinary"`
	LatinOCREnabled       bool               `yaml:"latinOcrEnabled"`
	AsianOCR              ocr.Command        `yaml:"asianOcr"`
	AsianOCREnabled       bool               `yaml:"asianOcrEnabled"`
	ArabicOCR             ocr.ArabicCommands `yaml:"arabicOcr"`
	ArabicOCREnabled      bool               `yaml:"arabicOcrEnabled"`
	OCRConcurrency        int                `yaml:"ocrConcurrency"`
	OCRPageTimeoutSeconds int                `yaml:"ocrPageTimeoutSeconds"`
	EmbeddingDim          int                `yaml:"embeddingDim"`
	LockTTLSeconds        int                `yaml:"lockTtlSeconds"`

	// queue and coordination
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	UploadRateLimit        int    `yaml:"uploadRateLimit"`
	UploadRateWindowSec    int    `yaml:"uploadRateWindowSeconds"`

	// events
	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	// user tokens
	JWKSURL     string `yaml:"jwksURL"`
	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
}

// Load reads config from path (defaults to config.yaml). A .env file next to
// the process is loaded first; real environment variables win over it.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	_ = godotenv.Load()
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("INGEST_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	// Override with environment variables
	if v := os.Getenv("INGEST_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("INGEST_IMAGE_STORE"); v != "" {
		cfg.ImageStore = v
	}
	if v := os.Getenv("INGEST_IMAGE_DIR"); v != "" {
		cfg.ImageDir = v
	}
	if v := os.Getenv("INGEST_WORKSPACE_DIR"); v != "" {
		cfg.WorkspaceDir = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("DIGIBOOK_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("DIGIBOOK_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("INGEST_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("INGEST_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("INGEST_OCR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OCRConcurrency = n
		}
	}
	if v := os.Getenv("INGEST_OCR_PAGE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OCRPageTimeoutSeconds = n
		}
	}
	if v := os.Getenv("INGEST_RASTER_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RasterRequired = b
		}
	}
	if v := os.Getenv("INGEST_LATIN_OCR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LatinOCREnabled = b
		}
	}
	if v := os.Getenv("INGEST_ASIAN_OCR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AsianOCREnabled = b
		}
	}
	if v := os.Getenv("INGEST_ARABIC_OCR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ArabicOCREnabled = b
		}
	}
	if v := os.Getenv("INGEST_UPLOAD_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimit = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ImageStore == "" {
		cfg.ImageStore = "filesystem"
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = "storage/images"
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(os.TempDir(), "digibook")
	}
	if cfg.WorkspaceMaxAgeMin == 0 {
		cfg.WorkspaceMaxAgeMin = 24 * 60
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 200 << 20
	}
	if cfg.OCRPageTimeoutSeconds == 0 {
		cfg.OCRPageTimeoutSeconds = 120
	}
	if cfg.LockTTLSeconds == 0 {
		cfg.LockTTLSeconds = 300
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "digibook:ingest:jobs"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "ingest-workers"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = "digibook.books"
	}
	if cfg.UploadRateWindowSec == 0 {
		cfg.UploadRateWindowSec = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or INGEST_PORT)")
	}
	switch cfg.ImageStore {
	case "filesystem":
		if strings.TrimSpace(cfg.ImageDir) == "" {
			return errors.New("config: imageDir is required for imageStore=filesystem")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: imageStore=minio requires minioEndpoint, minioAccessKey, minioSecretKey and minioBucket")
		}
	default:
		return fmt.Errorf("config: imageStore must be filesystem or minio, got %q", cfg.ImageStore)
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" && len(cfg.JWTSecret) < 32 {
		return errors.New("config: user token verification requires jwksURL or a jwtSecret of at least 32 bytes")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.OCRConcurrency < 0 {
		return errors.New("config: ocrConcurrency must be >= 0 (0 uses the CPU count)")
	}
	if cfg.OCRPageTimeoutSeconds < 0 {
		return errors.New("config: ocrPageTimeoutSeconds must be >= 0")
	}
	if cfg.LockTTLSeconds <= cfg.OCRPageTimeoutSeconds {
		return errors.New("config: lockTtlSeconds must be greater than ocrPageTimeoutSeconds")
	}
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be >= 0")
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueMaxRetries must be >= 0")
	}
	if cfg.UploadRateLimit < 0 {
		return errors.New("config: uploadRateLimit must be >= 0 (0 disables it)")
	}
	if cfg.WorkspaceMaxAgeMin <= 0 {
		return errors.New("config: workspaceMaxAgeMinutes must be > 0")
	}
	return nil
}
