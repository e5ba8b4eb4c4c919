package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// The catalog lives in a shared in-memory database unless db_path names a file.
const MemoryDSN = "file:folio?mode=memory&cache=shared"

type Config struct {
	Addr           string   `yaml:"addr"`
	DBPath         string   `yaml:"db_path"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyLength  int      `yaml:"max_body_length"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`

	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	WS      WSConfig      `yaml:"ws"`
	Janitor JanitorConfig `yaml:"janitor"`
}

type StorageConfig struct {
	// "disk" or "s3"
	Driver   string `yaml:"driver"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// RedisConfig enables the room event relay when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type WSConfig struct {
	SendBuffer        int     `yaml:"send_buffer"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`
}

type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// uploads younger than this are never swept
	Grace time.Duration `yaml:"grace"`
}

func Default() Config {
	return Config{
		Addr:           ":8080",
		DBPath:         MemoryDSN,
		LogLevel:       "info",
		LogFormat:      "text",
		AllowedOrigins: []string{"*"},
		MaxBodyLength:  10000,
		MaxUploadBytes: 10 << 20,
		Storage: StorageConfig{
			Driver: "disk",
			Dir:    "./data/uploads",
		},
		Redis: RedisConfig{
			ChannelPrefix: "folio:room:",
		},
		WS: WSConfig{
			SendBuffer:        512,
			MessagesPerSecond: 100,
			MessageBurst:      200,
			MaxMessageBytes:   1024 * 1024,
		},
		Janitor: JanitorConfig{
			Interval: 10 * time.Minute,
			Grace:    time.Hour,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays FOLIO_* variables. PORT is honoured for platforms that
// only hand out a port.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}

	str := map[string]*string{
		"FOLIO_ADDR":           &c.Addr,
		"FOLIO_DB_PATH":        &c.DBPath,
		"FOLIO_LOG_LEVEL":      &c.LogLevel,
		"FOLIO_LOG_FORMAT":     &c.LogFormat,
		"FOLIO_STORAGE_DRIVER": &c.Storage.Driver,
		"FOLIO_STORAGE_DIR":    &c.Storage.Dir,
		"FOLIO_S3_BUCKET":      &c.Storage.Bucket,
		"FOLIO_S3_PREFIX":      &c.Storage.Prefix,
		"FOLIO_S3_REGION":      &c.Storage.Region,
		"FOLIO_S3_ENDPOINT":    &c.Storage.Endpoint,
		"FOLIO_REDIS_ADDR":     &c.Redis.Addr,
		"FOLIO_REDIS_CHANNEL":  &c.Redis.ChannelPrefix,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if v := getenv("FOLIO_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	if v := getenv("FOLIO_MAX_BODY_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FOLIO_MAX_BODY_LENGTH: %w", err)
		}
		c.MaxBodyLength = n
	}
	if v := getenv("FOLIO_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FOLIO_MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	if v := getenv("FOLIO_JANITOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FOLIO_JANITOR_INTERVAL: %w", err)
		}
		c.Janitor.Interval = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	if c.MaxBodyLength <= 0 {
		errs = append(errs, errors.New("max_body_length must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}

	switch c.Storage.Driver {
	case "disk":
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the disk driver"))
		}
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 driver"))
		}
		if c.Storage.Region == "" {
			errs = append(errs, errors.New("storage.region is required for the s3 driver"))
		}
		if c.Storage.Prefix == "" && c.Janitor.Interval > 0 {
			errs = append(errs, errors.New("storage.prefix is required for the s3 driver while the janitor is enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: must be disk or s3", c.Storage.Driver))
	}

	if c.WS.SendBuffer <= 0 {
		errs = append(errs, errors.New("ws.send_buffer must be positive"))
	}
	if c.WS.MessagesPerSecond <= 0 || c.WS.MessageBurst <= 0 {
		errs = append(errs, errors.New("ws rate limits must be positive"))
	}
	if c.WS.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("ws.max_message_bytes must be positive"))
	}
	if c.Janitor.Interval < 0 || c.Janitor.Grace < 0 {
		errs = append(errs, errors.New("janitor durations cannot be negative"))
	}

	return errors.Join(errs...)
}
