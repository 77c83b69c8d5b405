package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// PreviewBase is the dev mailbox URL that serves sent mail by message
	// id. Empty disables preview links on receipts.
	PreviewBase string `mapstructure:"preview_base"`
}

type DispatchConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxPerHour      int           `mapstructure:"max_per_hour"`
	MinSendDelay    time.Duration `mapstructure:"min_send_delay"`
	PerSecondCap    int           `mapstructure:"per_second_cap"`
	BucketTTL       time.Duration `mapstructure:"bucket_ttl"`
	DefaultFromName string        `mapstructure:"default_from_name"`
	DefaultFromAddr string        `mapstructure:"default_from_addr"`
}

type QueueConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
}

type WorkersConfig struct {
	ReconcilerInterval time.Duration `mapstructure:"reconciler_interval"`
	ReconcilerGrace    time.Duration `mapstructure:"reconciler_grace"`
	ReconcilerBatch    int           `mapstructure:"reconciler_batch"`
}

type AuthConfig struct {
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("SENDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

func setDefaults() {
	viper.SetDefault("server.environment", "dev")
	viper.SetDefault("server.port", ":8080")

	viper.SetDefault("redis.addr", "localhost:6379")

	viper.SetDefault("etcd.dial_timeout", 5*time.Second)

	viper.SetDefault("smtp.host", "localhost")
	viper.SetDefault("smtp.port", 1025)

	viper.SetDefault("dispatch.concurrency", 5)
	viper.SetDefault("dispatch.max_per_hour", 10)
	viper.SetDefault("dispatch.min_send_delay", 2*time.Second)
	viper.SetDefault("dispatch.per_second_cap", 10)
	viper.SetDefault("dispatch.bucket_ttl", 2*time.Hour)
	viper.SetDefault("dispatch.default_from_name", "SendFlow User")
	viper.SetDefault("dispatch.default_from_addr", "user@sendflow.local")

	viper.SetDefault("queue.poll_interval", 500*time.Millisecond)
	viper.SetDefault("queue.visibility_timeout", 2*time.Minute)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.retry_initial_delay", time.Second)
	viper.SetDefault("queue.retry_max_delay", time.Minute)

	viper.SetDefault("workers.reconciler_interval", time.Minute)
	viper.SetDefault("workers.reconciler_grace", 30*time.Second)
	viper.SetDefault("workers.reconciler_batch", 100)

	viper.SetDefault("auth.access_token_ttl", 15*time.Minute)
	viper.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)

	viper.SetDefault("ratelimit.requests_per_second", 5)
}
