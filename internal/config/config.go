package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Vision      VisionConfig      `yaml:"vision"`
	Index       IndexConfig       `yaml:"index"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Batch       BatchConfig       `yaml:"batch"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	// URL is a redis:// connection string. Empty means "no distributed
	// cache": the in-process fallback is used from the start.
	URL string `yaml:"url"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir string `yaml:"models_dir"`
	// Per-mode detector score thresholds.
	RegisterThreshold  float64 `yaml:"register_threshold"`
	RecognizeThreshold float64 `yaml:"recognize_threshold"`
	PreciseThreshold   float64 `yaml:"precise_threshold"`
	// OperationTimeout bounds one detect+embed call.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	ModelLoadTimeout time.Duration `yaml:"model_load_timeout"`
}

type IndexConfig struct {
	Dir            string `yaml:"dir"`
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	MaxElements    int    `yaml:"max_elements"`
}

// IndexPath is the on-disk HNSW graph file.
func (c IndexConfig) IndexPath() string { return c.Dir + "/index.hnsw" }

// MetaPath is the JSON sidecar holding label maps and counters.
func (c IndexConfig) MetaPath() string { return c.Dir + "/index.meta.json" }

type RecognitionConfig struct {
	Profile             string  `yaml:"profile"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinFaceSize         int     `yaml:"min_face_size"`
	MaxFaceSize         int     `yaml:"max_face_size"`
	DetectionConfidence float64 `yaml:"detection_confidence"`
}

type BatchConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	JobTTL         time.Duration `yaml:"job_ttl"`
}

type CacheConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from a YAML file and applies environment variable
// overrides. A missing file is not an error: defaults plus env are enough to
// run the service.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MinConns == 0 {
		cfg.Database.MinConns = 2
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.RegisterThreshold == 0 {
		cfg.Vision.RegisterThreshold = 0.8
	}
	if cfg.Vision.RecognizeThreshold == 0 {
		cfg.Vision.RecognizeThreshold = 0.5
	}
	if cfg.Vision.PreciseThreshold == 0 {
		cfg.Vision.PreciseThreshold = 0.9
	}
	if cfg.Vision.OperationTimeout == 0 {
		cfg.Vision.OperationTimeout = 10 * time.Second
	}
	if cfg.Vision.ModelLoadTimeout == 0 {
		cfg.Vision.ModelLoadTimeout = 60 * time.Second
	}
	if cfg.Index.Dir == "" {
		cfg.Index.Dir = "data/index"
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 16
	}
	if cfg.Index.EfConstruction == 0 {
		cfg.Index.EfConstruction = 200
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 100
	}
	if cfg.Index.MaxElements == 0 {
		cfg.Index.MaxElements = 1_100_000
	}
	if cfg.Recognition.Profile == "" {
		cfg.Recognition.Profile = "balanced"
	}
	if cfg.Recognition.ConfidenceThreshold == 0 {
		cfg.Recognition.ConfidenceThreshold = 0.42
	}
	if cfg.Recognition.MinFaceSize == 0 {
		cfg.Recognition.MinFaceSize = 40
	}
	if cfg.Recognition.MaxFaceSize == 0 {
		cfg.Recognition.MaxFaceSize = 2000
	}
	if cfg.Recognition.DetectionConfidence == 0 {
		cfg.Recognition.DetectionConfidence = 0.8
	}
	if cfg.Batch.MaxBatchSize == 0 {
		cfg.Batch.MaxBatchSize = 50
	}
	if cfg.Batch.MaxConcurrency == 0 {
		cfg.Batch.MaxConcurrency = 4
	}
	if cfg.Batch.JobTTL == 0 {
		cfg.Batch.JobTTL = time.Hour
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 1800 * time.Second
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 10_000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	setStr := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					*dst = n
				}
				return
			}
		}
	}
	setFloat := func(dst *float64, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					*dst = f
				}
				return
			}
		}
	}

	setInt(&cfg.Server.Port, "FACEID_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "FACEID_API_KEY")

	setStr(&cfg.Database.Host, "FACEID_DB_HOST")
	setInt(&cfg.Database.Port, "FACEID_DB_PORT")
	setStr(&cfg.Database.Name, "FACEID_DB_NAME")
	setStr(&cfg.Database.User, "FACEID_DB_USER")
	setStr(&cfg.Database.Password, "FACEID_DB_PASSWORD")

	setStr(&cfg.Redis.URL, "FACEID_REDIS_URL", "REDIS_URL")
	setStr(&cfg.NATS.URL, "FACEID_NATS_URL")

	setStr(&cfg.MinIO.Endpoint, "FACEID_MINIO_ENDPOINT")
	setStr(&cfg.MinIO.AccessKey, "FACEID_MINIO_ACCESS_KEY")
	setStr(&cfg.MinIO.SecretKey, "FACEID_MINIO_SECRET_KEY")
	setStr(&cfg.MinIO.Bucket, "FACEID_MINIO_BUCKET")

	setStr(&cfg.Vision.ModelsDir, "FACEID_MODELS_DIR")
	setStr(&cfg.Index.Dir, "FACEID_INDEX_DIR")

	// The flat option names recognized by earlier deployments stay honored.
	setFloat(&cfg.Recognition.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")
	setFloat(&cfg.Recognition.DetectionConfidence, "DETECTION_CONFIDENCE")
	setInt(&cfg.Recognition.MinFaceSize, "MIN_FACE_SIZE")
	setInt(&cfg.Recognition.MaxFaceSize, "MAX_FACE_SIZE")
	setStr(&cfg.Recognition.Profile, "RECOGNITION_PROFILE")
	setInt(&cfg.Batch.MaxBatchSize, "MAX_BATCH_SIZE")
	setInt(&cfg.Batch.MaxConcurrency, "MAX_CONCURRENCY")
	setInt(&cfg.Index.M, "HNSW_M")
	setInt(&cfg.Index.EfConstruction, "HNSW_EF_CONSTRUCTION")
	setInt(&cfg.Index.EfSearch, "HNSW_EF_SEARCH")
	setInt(&cfg.Index.MaxElements, "MAX_ELEMENTS")
	setInt(&cfg.Cache.MaxSize, "CACHE_MAX_SIZE")

	if v := os.Getenv("JOB_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Batch.JobTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTL = time.Duration(secs) * time.Second
		}
	}
}
