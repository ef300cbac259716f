package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"
)

// Config holds every setting of a batch run. Each key can come from the
// environment (upper-case name), a .env file or batchpack.yaml.
type Config struct {
	ApiURL        string        `mapstructure:"api_url"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	BucketName    string        `mapstructure:"bucket_name"`
	Region        string        `mapstructure:"region"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	PublicURLBase string        `mapstructure:"public_url_base"`
	LinkTTL       time.Duration `mapstructure:"link_ttl"`

	ArchiveFormat   string `mapstructure:"archive_format"`
	ArchiveLevel    int    `mapstructure:"archive_level"`
	ArchivePassword string `mapstructure:"archive_password"`
	ArchiveDir      string `mapstructure:"archive_dir"`
	SevenZipPath    string `mapstructure:"sevenzip_path"`
	KeepArchives    bool   `mapstructure:"keep_archives"`

	CrackTool string `mapstructure:"crack_tool"`
	Emulator  string `mapstructure:"emulator"`

	UploadWorkers  int           `mapstructure:"upload_workers"`
	UploadAttempts int           `mapstructure:"upload_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`

	ConvertEndpoint     string        `mapstructure:"convert_endpoint"`
	ConvertBaseBudget   time.Duration `mapstructure:"convert_base_budget"`
	ConvertPerGBBudget  time.Duration `mapstructure:"convert_per_gb_budget"`
	ConvertMaxBudget    time.Duration `mapstructure:"convert_max_budget"`
	ConvertPollInterval time.Duration `mapstructure:"convert_poll_interval"`

	ProgressInterval      time.Duration `mapstructure:"progress_interval"`
	SafetyMultiplier      float64       `mapstructure:"safety_multiplier"`
	CrackSecondsPerItem   float64       `mapstructure:"crack_seconds_per_item"`
	ConvertSecondsPerItem float64       `mapstructure:"convert_seconds_per_item"`

	RatesFile string `mapstructure:"rates_file"`
	LogLevel  string `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, using environment variables only")
	}
	return load(".")
}

func load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("batchpack")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Errorf("reading batchpack.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Errorf("decoding config: %w", err)
	}
	cfg.ArchiveFormat = strings.ToLower(strings.TrimSpace(cfg.ArchiveFormat))
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	for _, key := range []string{
		"api_url", "access_key", "secret_key", "bucket_name", "region", "public_url_base",
		"archive_password", "crack_tool", "convert_endpoint",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("key_prefix", "uploads")
	v.SetDefault("link_ttl", 168*time.Hour)

	v.SetDefault("archive_format", "zip")
	v.SetDefault("archive_level", 0)
	v.SetDefault("archive_dir", filepath.Join(os.TempDir(), "batchpack"))
	v.SetDefault("sevenzip_path", "7z")
	v.SetDefault("keep_archives", false)

	v.SetDefault("emulator", "goldberg")

	v.SetDefault("upload_workers", 3)
	v.SetDefault("upload_attempts", 3)
	v.SetDefault("retry_delay", 2*time.Second)

	v.SetDefault("convert_base_budget", 30*time.Second)
	v.SetDefault("convert_per_gb_budget", 60*time.Second)
	v.SetDefault("convert_max_budget", 5*time.Minute)
	v.SetDefault("convert_poll_interval", 5*time.Second)

	v.SetDefault("progress_interval", 20*time.Second)
	v.SetDefault("safety_multiplier", 1.3)
	v.SetDefault("crack_seconds_per_item", 5.0)
	v.SetDefault("convert_seconds_per_item", 15.0)

	v.SetDefault("rates_file", defaultRatesFile())
	v.SetDefault("log_level", "info")
}

func defaultRatesFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "batchpack", "rates.env")
}

func (c *Config) Validate() error {
	if c.ArchiveLevel < 0 || c.ArchiveLevel > 9 {
		return errors.Errorf("ARCHIVE_LEVEL must be between 0 and 9, got %d", c.ArchiveLevel)
	}
	if c.ArchiveFormat != "zip" && c.ArchiveFormat != "7z" {
		return errors.Errorf("ARCHIVE_FORMAT must be zip or 7z, got %q", c.ArchiveFormat)
	}
	if c.UploadWorkers < 1 {
		return errors.Errorf("UPLOAD_WORKERS must be at least 1, got %d", c.UploadWorkers)
	}
	if c.UploadAttempts < 1 {
		return errors.Errorf("UPLOAD_ATTEMPTS must be at least 1, got %d", c.UploadAttempts)
	}
	if c.SafetyMultiplier < 1 {
		return errors.Errorf("SAFETY_MULTIPLIER must be at least 1, got %g", c.SafetyMultiplier)
	}
	return nil
}

// UploadEnabled reports whether enough S3 settings are present to upload.
func (c *Config) UploadEnabled() bool {
	return c.BucketName != "" && c.AccessKey != "" && c.SecretKey != ""
}
