package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	MinPollInterval = 3 * time.Second
	MaxPollInterval = 5 * time.Second
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Log         LogConfig       `mapstructure:"log"`
	DB          DBConfig        `mapstructure:"db"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Camera      CameraConfig    `mapstructure:"camera"`
	Gate        GateConfig      `mapstructure:"gate"`
	Remote      RemoteConfig    `mapstructure:"remote"`
	AWS         AWSConfig       `mapstructure:"aws"`
	Retention   RetentionConfig `mapstructure:"retention"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type CameraConfig struct {
	Model string `mapstructure:"model"`
}

type GateConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	SeenCapacity  int           `mapstructure:"seen_capacity"`
	SeenWindow    time.Duration `mapstructure:"seen_window"`
	ChimeInterval time.Duration `mapstructure:"chime_interval"`
	JournalPath   string        `mapstructure:"journal_path"`
	JournalTTL    time.Duration `mapstructure:"journal_ttl"`
	// Autostart lists sessions opened at boot as "gate:station" pairs
	// separated by commas.
	Autostart string `mapstructure:"autostart"`
}

type GateBinding struct {
	GateID    string
	StationID string
}

func (c GateConfig) AutostartGates() ([]GateBinding, error) {
	var out []GateBinding
	for _, item := range strings.Split(c.Autostart, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		gate, station, ok := strings.Cut(item, ":")
		if !ok || gate == "" || station == "" {
			return nil, fmt.Errorf("invalid autostart entry %q, want gate:station", item)
		}
		out = append(out, GateBinding{GateID: gate, StationID: station})
	}
	return out, nil
}

// RemoteConfig points gate sessions at another instance's detection API
// instead of the local hub and database.
type RemoteConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
	StreamURL  string `mapstructure:"stream_url"`
	Token      string `mapstructure:"token"`
}

func (c RemoteConfig) Enabled() bool {
	return c.APIBaseURL != "" || c.StreamURL != ""
}

type AWSConfig struct {
	Region             string `mapstructure:"region"`
	IoTEndpoint        string `mapstructure:"iot_endpoint"`
	BarrierTopicPrefix string `mapstructure:"barrier_topic_prefix"`
	SQSQueueURL        string `mapstructure:"sqs_queue_url"`
	SQSEndpoint        string `mapstructure:"sqs_endpoint"`
}

type RetentionConfig struct {
	EventDays       int           `mapstructure:"event_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("db.slow_threshold", 500*time.Millisecond)
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("camera.model", "generic")

	v.SetDefault("gate.poll_interval", MinPollInterval)
	v.SetDefault("gate.poll_timeout", 5*time.Second)
	v.SetDefault("gate.seen_capacity", 1024)
	v.SetDefault("gate.seen_window", time.Hour)
	v.SetDefault("gate.chime_interval", 2200*time.Millisecond)
	v.SetDefault("gate.journal_path", "")
	v.SetDefault("gate.journal_ttl", time.Hour)
	v.SetDefault("gate.autostart", "")

	v.SetDefault("remote.api_base_url", "")
	v.SetDefault("remote.stream_url", "")
	v.SetDefault("remote.token", "")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.iot_endpoint", "")
	v.SetDefault("aws.barrier_topic_prefix", "parking/command/barriers")
	v.SetDefault("aws.sqs_queue_url", "")
	v.SetDefault("aws.sqs_endpoint", "")

	v.SetDefault("retention.event_days", 90)
	v.SetDefault("retention.cleanup_interval", 24*time.Hour)
}

// Load reads .env, then the optional config file, then PARKING_* environment
// variables, in increasing precedence. An empty path looks for config.yaml in
// the working directory and tolerates its absence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PARKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Gate.PollInterval < MinPollInterval || c.Gate.PollInterval > MaxPollInterval {
		return fmt.Errorf("gate.poll_interval %s must be between %s and %s", c.Gate.PollInterval, MinPollInterval, MaxPollInterval)
	}
	if c.Gate.PollTimeout <= 0 {
		return errors.New("gate.poll_timeout must be positive")
	}
	if c.Gate.JournalTTL <= 0 {
		return errors.New("gate.journal_ttl must be positive")
	}
	if _, err := c.Gate.AutostartGates(); err != nil {
		return fmt.Errorf("gate.autostart: %w", err)
	}
	if c.Environment == "production" && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required in production")
	}
	if (c.AWS.IoTEndpoint != "" || c.AWS.SQSQueueURL != "") && c.AWS.Region == "" {
		return errors.New("aws.region is required when IoT or SQS is configured")
	}
	return nil
}
