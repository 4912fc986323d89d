package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Ingest      IngestConfig     `mapstructure:"ingest"`
	Encryption  EncryptionConfig `mapstructure:"encryption"`
	Drive       DriveConfig      `mapstructure:"drive"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Alert       AlertConfig      `mapstructure:"alert"`
	Log         LogConfig        `mapstructure:"log"`
	SourcesFile string           `mapstructure:"sources_file"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	Path            string        `mapstructure:"path"`   // sqlite file
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	URL             string        `mapstructure:"url"` // full DSN, wins over the fields above
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000&_foreign_keys=on"
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // local, s3, r2, s3compatible
	LocalDir  string `mapstructure:"local_dir"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type IngestConfig struct {
	PollTick          time.Duration `mapstructure:"poll_tick"`
	DrainLimit        int           `mapstructure:"drain_limit"`
	Workers           int           `mapstructure:"workers"`
	StabilityWindow   time.Duration `mapstructure:"stability_window"`
	MaxDepth          int           `mapstructure:"max_depth"`
	MaxFiles          int           `mapstructure:"max_files"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRows           int           `mapstructure:"max_rows"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	StuckAfter        time.Duration `mapstructure:"stuck_after"`
	Watch             bool          `mapstructure:"watch"`
}

type EncryptionConfig struct {
	Key string `mapstructure:"key"`
}

type DriveConfig struct {
	APIBase         string        `mapstructure:"api_base"`
	TokenURL        string        `mapstructure:"token_url"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PageSize        int           `mapstructure:"page_size"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Enabled reports whether alerts should be published to Kafka.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

type AlertConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	File     string `mapstructure:"file"`
	FileOnly bool   `mapstructure:"file_only"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Sensitive values are usually injected by the environment
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("encryption.key", "ROW_ENCRYPTION_KEY")
	v.BindEnv("drive.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/tabport.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_dir", "./data/staging")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "staging")

	v.SetDefault("ingest.poll_tick", 30*time.Second)
	v.SetDefault("ingest.drain_limit", 3)
	v.SetDefault("ingest.workers", 1)
	v.SetDefault("ingest.stability_window", 15*time.Second)
	v.SetDefault("ingest.max_depth", 5)
	v.SetDefault("ingest.max_files", 500)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.max_rows", 200000)
	v.SetDefault("ingest.max_upload_bytes", 50*1024*1024)
	v.SetDefault("ingest.allowed_extensions", []string{".csv", ".tsv", ".xlsx", ".xlsm"})
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.stuck_after", 30*time.Minute)
	v.SetDefault("ingest.watch", false)

	v.SetDefault("drive.api_base", "https://www.googleapis.com/drive/v3")
	v.SetDefault("drive.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("drive.timeout", 60*time.Second)
	v.SetDefault("drive.page_size", 100)

	v.SetDefault("alert.dedup_window", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Ingest.DrainLimit <= 0 {
		return fmt.Errorf("ingest.drain_limit must be positive")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.Ingest.PollTick <= 0 {
		return fmt.Errorf("ingest.poll_tick must be positive")
	}
	if c.Storage.Type != "local" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required for storage type %q", c.Storage.Type)
	}
	return nil
}
