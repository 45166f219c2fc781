package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Crowdwatch AppConfig       `yaml:"crowdwatch"`
	Stream     StreamConfig    `yaml:"stream"`
	History    HistoryConfig   `yaml:"history"`
	Location   LocationConfig  `yaml:"location"`
	Dashboard  DashboardConfig `yaml:"dashboard"`
	Storage    StorageConfig   `yaml:"storage"`
	Archive    ArchiveConfig   `yaml:"archive"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Logging    LoggingConfig   `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// StreamConfig addresses the telemetry stream of one location.
type StreamConfig struct {
	Scheme           string            `yaml:"scheme"`
	Host             string            `yaml:"host"`
	Port             int               `yaml:"port"`
	PathPrefix       string            `yaml:"path_prefix"`
	LocationID       string            `yaml:"location_id"`
	LocalIP          string            `yaml:"local_ip"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	KeepAlive        time.Duration     `yaml:"keep_alive"`
	ReadTimeout      time.Duration     `yaml:"read_timeout"`
	Reconnect        ReconnectConfig   `yaml:"reconnect"`
	Diagnostics      DiagnosticsConfig `yaml:"diagnostics"`
}

// ReconnectConfig selects the reconnection policy. Backoff parameters have no
// defaults and must be set when policy is "exponential".
type ReconnectConfig struct {
	Policy            string        `yaml:"policy"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

type DiagnosticsConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type HistoryConfig struct {
	Capacity    int    `yaml:"capacity"`
	LabelLayout string `yaml:"label_layout"`
	Timezone    string `yaml:"timezone"`
}

// LocationConfig positions the monitored location on the map.
type LocationConfig struct {
	Label     string  `yaml:"label"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig enables relaying accepted readings to a Kafka topic.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	QueueSize    int           `yaml:"queue_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ArchiveConfig controls the write-only parquet export of accepted readings.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Prefix        string        `yaml:"prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	QueueSize     int           `yaml:"queue_size"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	BufferInterval time.Duration    `yaml:"buffer_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const (
	ReconnectNone        = "none"
	ReconnectExponential = "exponential"
)

// Default returns the configuration used when a field is left empty. It
// mirrors the stream server's development setup.
func Default() Config {
	return Config{
		Crowdwatch: AppConfig{Name: "crowdwatch", Version: "dev"},
		Stream: StreamConfig{
			Scheme:           "ws",
			Host:             "localhost",
			Port:             8000,
			PathPrefix:       "/ws/stream",
			LocationID:       "demo-square",
			HandshakeTimeout: 10 * time.Second,
			KeepAlive:        20 * time.Second,
			Reconnect:        ReconnectConfig{Policy: ReconnectNone},
			Diagnostics:      DiagnosticsConfig{RatePerSecond: 5, Burst: 10},
		},
		History: HistoryConfig{Capacity: 200, LabelLayout: "15:04:05", Timezone: "Local"},
		Location: LocationConfig{
			Latitude:  51.505,
			Longitude: -0.09,
		},
		Dashboard: DashboardConfig{
			Address:         "0.0.0.0:8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{Topic: "crowd-readings", QueueSize: 256, BatchTimeout: time.Second},
		},
		Archive: ArchiveConfig{
			Prefix:        "crowd_observations",
			FlushInterval: time.Minute,
			MaxBufferSize: 1000,
			QueueSize:     256,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
			BufferInterval: 10 * time.Second,
			CloudWatch:     CloudWatchConfig{Namespace: "CrowdWatch"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Stream.LocationID = strings.TrimSpace(config.Stream.LocationID)
	config.Stream.Reconnect.Policy = strings.ToLower(strings.TrimSpace(config.Stream.Reconnect.Policy))
	if config.Stream.Reconnect.Policy == "" {
		config.Stream.Reconnect.Policy = ReconnectNone
	}
	if config.Location.Label == "" {
		config.Location.Label = config.Stream.LocationID
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("CROWDWATCH_LOCATION_ID"); v != "" {
		config.Stream.LocationID = strings.TrimSpace(v)
	}
	if v := os.Getenv("CROWDWATCH_STREAM_HOST"); v != "" {
		config.Stream.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}
	if v := os.Getenv("CROWDWATCH_STREAM_PORT"); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CROWDWATCH_STREAM_PORT: %w", err)
		}
		config.Stream.Port = port
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Crowdwatch.Name == "" {
		return fmt.Errorf("crowdwatch.name is required")
	}

	s := cfg.Stream
	if s.Scheme != "ws" && s.Scheme != "wss" {
		return fmt.Errorf("stream.scheme must be ws or wss, got '%s'", s.Scheme)
	}
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("stream.host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("stream.port must be between 1 and 65535")
	}
	if s.LocationID == "" {
		return fmt.Errorf("stream.location_id is required")
	}
	if s.LocalIP != "" && net.ParseIP(s.LocalIP) == nil {
		return fmt.Errorf("stream.local_ip '%s' is not an IP address", s.LocalIP)
	}
	if s.HandshakeTimeout < 0 || s.KeepAlive < 0 || s.ReadTimeout < 0 {
		return fmt.Errorf("stream timeouts must not be negative")
	}
	if s.Diagnostics.RatePerSecond <= 0 || s.Diagnostics.Burst <= 0 {
		return fmt.Errorf("stream.diagnostics.rate_per_second and burst must be greater than 0")
	}

	switch s.Reconnect.Policy {
	case ReconnectNone:
	case ReconnectExponential:
		r := s.Reconnect
		if r.BaseDelay <= 0 {
			return fmt.Errorf("stream.reconnect.base_delay must be greater than 0 for the exponential policy")
		}
		if r.MaxDelay < r.BaseDelay {
			return fmt.Errorf("stream.reconnect.max_delay must be at least base_delay")
		}
		if r.BackoffMultiplier < 1 {
			return fmt.Errorf("stream.reconnect.backoff_multiplier must be at least 1")
		}
		if r.MaxAttempts < 0 {
			return fmt.Errorf("stream.reconnect.max_attempts must not be negative")
		}
	default:
		return fmt.Errorf("stream.reconnect.policy '%s' is not supported", s.Reconnect.Policy)
	}

	if cfg.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be greater than 0")
	}
	if _, err := cfg.History.Loc(); err != nil {
		return fmt.Errorf("history.timezone: %w", err)
	}

	if cfg.Location.Latitude < -90 || cfg.Location.Latitude > 90 {
		return fmt.Errorf("location.latitude must be between -90 and 90")
	}
	if cfg.Location.Longitude < -180 || cfg.Location.Longitude > 180 {
		return fmt.Errorf("location.longitude must be between -180 and 180")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if strings.TrimSpace(cfg.Storage.Kafka.Topic) == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.QueueSize <= 0 {
			return fmt.Errorf("storage.kafka.queue_size must be greater than 0")
		}
	}

	if cfg.Archive.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("archive requires storage.s3 to be enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		if cfg.Archive.MaxBufferSize <= 0 || cfg.Archive.QueueSize <= 0 {
			return fmt.Errorf("archive.max_buffer_size and archive.queue_size must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// URL returns the stream endpoint for locationID, e.g.
// ws://localhost:8000/ws/stream/demo-square.
func (s StreamConfig) URL(locationID string) string {
	prefix := "/" + strings.Trim(s.PathPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	u := url.URL{
		Scheme: s.Scheme,
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   prefix + "/" + locationID,
	}
	return u.String()
}

// Loc resolves the timezone used for chart labels.
func (h HistoryConfig) Loc() (*time.Location, error) {
	switch h.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(h.Timezone)
	}
}
