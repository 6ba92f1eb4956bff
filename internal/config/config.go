package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	MediaPaths []string `yaml:"media_paths" json:"media_paths"`

	Schedule    ScheduleConfig     `yaml:"schedule" json:"schedule"`
	Compression CompressionConfig  `yaml:"compression" json:"compression"`
	Quality     QualityConfig      `yaml:"quality_validation" json:"quality_validation"`
	Database    DatabaseConfig     `yaml:"database" json:"database"`
	Scanner     ScannerConfig      `yaml:"scanner" json:"scanner"`
	Web         WebConfig          `yaml:"web_interface" json:"web_interface"`
	Notify      NotificationConfig `yaml:"notifications" json:"notifications"`
	Recovery    RecoveryConfig     `yaml:"recovery" json:"recovery"`
	Logging     LoggingConfig      `yaml:"logging" json:"logging"`

	Extensions             []string `yaml:"extensions" json:"extensions"`
	MinSizeMB              int64    `yaml:"min_size_mb" json:"min_size_mb" env:"SHRINKRAY_MIN_SIZE_MB"`
	SizeReductionThreshold float64  `yaml:"size_reduction_threshold" json:"size_reduction_threshold" env:"SHRINKRAY_SIZE_REDUCTION_THRESHOLD"`
	MaxConcurrentJobs      int      `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs" env:"SHRINKRAY_MAX_CONCURRENT_JOBS"`
	CompressionQueueSize   int      `yaml:"compression_queue_size" json:"compression_queue_size" env:"SHRINKRAY_QUEUE_SIZE"`
	TempDir                string   `yaml:"temp_dir" json:"temp_dir" env:"SHRINKRAY_TEMP_DIR"`
	MinFreeSpaceMB         uint64   `yaml:"min_free_space_mb" json:"min_free_space_mb" env:"SHRINKRAY_MIN_FREE_SPACE_MB"`
	MinMemoryMB            uint64   `yaml:"min_memory_mb" json:"min_memory_mb" env:"SHRINKRAY_MIN_MEMORY_MB"`
}

// ScheduleConfig defines the nightly work window.
type ScheduleConfig struct {
	StartHour         int  `yaml:"start_hour" json:"start_hour" env:"SHRINKRAY_START_HOUR"`
	EndHour           int  `yaml:"end_hour" json:"end_hour" env:"SHRINKRAY_END_HOUR"`
	DynamicScheduling bool `yaml:"dynamic_scheduling" json:"dynamic_scheduling" env:"SHRINKRAY_DYNAMIC_SCHEDULING"`
}

// CompressionConfig holds encoder invocation settings.
type CompressionConfig struct {
	EncoderPath       string `yaml:"encoder_path" json:"encoder_path" env:"SHRINKRAY_ENCODER_PATH"`
	EncoderOptions    string `yaml:"encoder_options" json:"encoder_options"`
	AudioOptions      string `yaml:"audio_options" json:"audio_options"`
	SubtitleOptions   string `yaml:"subtitle_options" json:"subtitle_options"`
	ContentAware      bool   `yaml:"content_aware" json:"content_aware" env:"SHRINKRAY_CONTENT_AWARE"`
	AnimationQuality  int    `yaml:"animation_quality" json:"animation_quality"`
	LiveActionQuality int    `yaml:"live_action_quality" json:"live_action_quality"`
}

// QualityConfig controls post-encode quality validation.
type QualityConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled" env:"SHRINKRAY_QUALITY_ENABLED"`
	Method         string  `yaml:"method" json:"method" env:"SHRINKRAY_QUALITY_METHOD"`
	Threshold      float64 `yaml:"threshold" json:"threshold" env:"SHRINKRAY_QUALITY_THRESHOLD"`
	SampleDuration float64 `yaml:"sample_duration" json:"sample_duration"`
	Strict         bool    `yaml:"strict" json:"strict"`
}

// DatabaseConfig selects and locates the catalog store.
type DatabaseConfig struct {
	Type       string `yaml:"type" json:"type" env:"SHRINKRAY_DB_TYPE"`
	Path       string `yaml:"path" json:"path" env:"SHRINKRAY_DB_PATH"`
	BackupPath string `yaml:"backup_path" json:"backup_path" env:"SHRINKRAY_DB_BACKUP_PATH"`
	DSN        string `yaml:"dsn" json:"dsn" env:"SHRINKRAY_DB_DSN"`
}

// ScannerConfig holds scanner tuning knobs.
type ScannerConfig struct {
	MaxConcurrentScans int  `yaml:"max_concurrent_scans" json:"max_concurrent_scans" env:"SHRINKRAY_MAX_CONCURRENT_SCANS"`
	BatchSize          int  `yaml:"scan_batch_size" json:"scan_batch_size" env:"SHRINKRAY_SCAN_BATCH_SIZE"`
	WatchRoots         bool `yaml:"watch_roots" json:"watch_roots" env:"SHRINKRAY_WATCH_ROOTS"`
}

// WebConfig configures the monitoring interface.
type WebConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"SHRINKRAY_WEB_ENABLED"`
	Host     string `yaml:"host" json:"host" env:"SHRINKRAY_WEB_HOST"`
	Port     int    `yaml:"port" json:"port" env:"SHRINKRAY_WEB_PORT"`
	Secure   bool   `yaml:"secure" json:"secure" env:"SHRINKRAY_WEB_SECURE"`
	Username string `yaml:"username" json:"username" env:"SHRINKRAY_WEB_USERNAME"`
	Password string `yaml:"password" json:"-" env:"SHRINKRAY_WEB_PASSWORD"`
}

// NotificationConfig gates the email and webhook sinks.
type NotificationConfig struct {
	Email   EmailConfig   `yaml:"email" json:"email"`
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
}

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	SMTPServer   string `yaml:"smtp_server" json:"smtp_server"`
	SMTPPort     int    `yaml:"smtp_port" json:"smtp_port"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"-"`
	FromAddr     string `yaml:"from_addr" json:"from_addr"`
	ToAddr       string `yaml:"to_addr" json:"to_addr"`
	OnError      bool   `yaml:"on_error" json:"on_error"`
	OnCompletion bool   `yaml:"on_completion" json:"on_completion"`
}

// WebhookConfig holds JSON webhook settings.
type WebhookConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	URL          string `yaml:"url" json:"url"`
	OnError      bool   `yaml:"on_error" json:"on_error"`
	OnCompletion bool   `yaml:"on_completion" json:"on_completion"`
}

// RecoveryConfig controls backup and self-repair behaviour.
type RecoveryConfig struct {
	DBBackupInterval time.Duration `yaml:"db_backup_interval" json:"db_backup_interval"`
	AutoRepair       bool          `yaml:"auto_repair" json:"auto_repair"`
	VerifyFiles      bool          `yaml:"verify_files" json:"verify_files"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"SHRINKRAY_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"SHRINKRAY_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MediaPaths: []string{
			"/mnt/library/media/series",
			"/mnt/library/media/movies",
		},
		Schedule: ScheduleConfig{
			StartHour:         2,
			EndHour:           6,
			DynamicScheduling: true,
		},
		Compression: CompressionConfig{
			EncoderPath:       "HandBrakeCLI",
			EncoderOptions:    "--encoder nvenc_h265 --encoder-preset slow --quality 22",
			AudioOptions:      "--aencoder copy --all-audio",
			SubtitleOptions:   "--all-subtitles --subtitle scan --subtitle-burned=none",
			ContentAware:      true,
			AnimationQuality:  26,
			LiveActionQuality: 21,
		},
		Quality: QualityConfig{
			Enabled:        true,
			Method:         "vmaf",
			Threshold:      90,
			SampleDuration: 60,
			Strict:         false,
		},
		Database: DatabaseConfig{
			Type:       "sqlite",
			Path:       "media_compression.db",
			BackupPath: "media_compression_backup.db",
		},
		Scanner: ScannerConfig{
			MaxConcurrentScans: 4,
			BatchSize:          1000,
			WatchRoots:         false,
		},
		Web: WebConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     8080,
			Secure:   false,
			Username: "admin",
			Password: "password",
		},
		Notify: NotificationConfig{
			Email: EmailConfig{
				SMTPServer:   "smtp.gmail.com",
				SMTPPort:     587,
				OnError:      true,
				OnCompletion: true,
			},
			Webhook: WebhookConfig{
				OnError:      true,
				OnCompletion: true,
			},
		},
		Recovery: RecoveryConfig{
			DBBackupInterval: 24 * time.Hour,
			AutoRepair:       true,
			VerifyFiles:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Extensions:             []string{".mp4", ".mkv", ".avi", ".m4v"},
		MinSizeMB:              200,
		SizeReductionThreshold: 0.2,
		MaxConcurrentJobs:      2,
		CompressionQueueSize:   1000,
		TempDir:                "/tmp/media_compression",
		MinFreeSpaceMB:         1000,
		MinMemoryMB:            500,
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// (if given), then environment overrides, then derived values and
// validation.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	applyDerived(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if len(c.MediaPaths) == 0 {
		return fmt.Errorf("no media paths configured")
	}

	if c.Schedule.StartHour < 0 || c.Schedule.StartHour > 23 {
		return fmt.Errorf("invalid schedule start_hour: %d", c.Schedule.StartHour)
	}
	if c.Schedule.EndHour < 0 || c.Schedule.EndHour > 24 {
		return fmt.Errorf("invalid schedule end_hour: %d", c.Schedule.EndHour)
	}
	// Wrap-around windows are not supported and equal hours would be a
	// zero-length window.
	if c.Schedule.StartHour >= c.Schedule.EndHour {
		return fmt.Errorf("schedule start_hour (%d) must be before end_hour (%d)",
			c.Schedule.StartHour, c.Schedule.EndHour)
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrentJobs)
	}
	if c.Scanner.MaxConcurrentScans < 1 {
		return fmt.Errorf("max_concurrent_scans must be at least 1, got %d", c.Scanner.MaxConcurrentScans)
	}
	if c.Scanner.BatchSize < 1 {
		return fmt.Errorf("scan_batch_size must be at least 1, got %d", c.Scanner.BatchSize)
	}

	if c.SizeReductionThreshold < 0 || c.SizeReductionThreshold >= 1 {
		return fmt.Errorf("size_reduction_threshold must be in [0, 1), got %f", c.SizeReductionThreshold)
	}

	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.Type == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("postgres database requires a dsn")
	}
	if c.Database.Type == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("sqlite database requires a path")
	}

	switch strings.ToLower(c.Quality.Method) {
	case "vmaf", "ssim", "psnr":
	default:
		return fmt.Errorf("unsupported quality method: %s", c.Quality.Method)
	}
	if c.Quality.SampleDuration <= 0 {
		return fmt.Errorf("quality sample_duration must be positive, got %f", c.Quality.SampleDuration)
	}

	if c.Web.Enabled {
		if c.Web.Port < 1 || c.Web.Port > 65535 {
			return fmt.Errorf("invalid web interface port: %d", c.Web.Port)
		}
		if c.Web.Secure && (c.Web.Username == "" || c.Web.Password == "") {
			return fmt.Errorf("web interface authentication enabled but credentials missing")
		}
	}

	return nil
}

func applyDerived(cfg *Config) {
	if cfg.Database.Type == "sqlite" && cfg.Database.BackupPath == "" {
		cfg.Database.BackupPath = cfg.Database.Path + ".backup"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "media_compression")
	}
	cfg.Quality.Method = strings.ToLower(cfg.Quality.Method)
}

func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
			return nil
		}
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intVal)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(uintVal)
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			values := strings.Split(value, ",")
			for i, v := range values {
				values[i] = strings.TrimSpace(v)
			}
			field.Set(reflect.ValueOf(values))
		}
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}
