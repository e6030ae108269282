package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Events     EventsConfig     `mapstructure:"events"`
	Routes     RoutesConfig     `mapstructure:"routes"`
	Runner     RunnerConfig     `mapstructure:"runner"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" validate:"required"`
}

type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret" validate:"required,min=32"`
	Issuer       string `mapstructure:"issuer"`
	ServiceToken string `mapstructure:"service_token" validate:"required,min=16"`
}

type WorkerConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Concurrency   map[string]int `mapstructure:"concurrency" validate:"dive,gte=0"`
	Default       int            `mapstructure:"default_concurrency" validate:"gt=0"`
	PollInterval  time.Duration  `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatTTL  time.Duration  `mapstructure:"heartbeat_ttl" validate:"gt=0"`
	PauseDelay    time.Duration  `mapstructure:"pause_delay" validate:"gt=0"`
	ShutdownGrace time.Duration  `mapstructure:"shutdown_grace" validate:"gt=0"`
}

// ConcurrencyFor returns the slot count for queue. Zero disables the queue.
func (w WorkerConfig) ConcurrencyFor(queue string) int {
	if n, ok := w.Concurrency[queue]; ok {
		return n
	}
	return w.Default
}

type RetryConfig struct {
	Base       time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap        time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
}

type DeadLetterConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type GatewayConfig struct {
	AuthTimeout  time.Duration `mapstructure:"auth_timeout" validate:"gt=0"`
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

type EventsConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=redis postgres"`
	DatabaseURL   string        `mapstructure:"database_url" validate:"required_if=Backend postgres"`
	Retention     time.Duration `mapstructure:"retention" validate:"gt=0"`
	MaxPerSubject int           `mapstructure:"max_per_subject" validate:"gt=0"`
}

type RoutesConfig struct {
	Rules   map[string]string `mapstructure:"rules" validate:"dive,keys,required,endkeys,required"`
	Default string            `mapstructure:"default"`
}

type RunnerConfig struct {
	Endpoint string        `mapstructure:"endpoint" validate:"required,url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

const envPrefix = "JOBRELAY"

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "jobrelay:")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.service_token", "")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", map[string]int{})
	v.SetDefault("worker.default_concurrency", 3)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.heartbeat_ttl", 30*time.Second)
	v.SetDefault("worker.pause_delay", 30*time.Second)
	v.SetDefault("worker.shutdown_grace", 10*time.Second)

	v.SetDefault("retry.base", 30*time.Second)
	v.SetDefault("retry.cap", 600*time.Second)
	v.SetDefault("retry.max_retries", 3)

	v.SetDefault("deadletter.ttl", 7*24*time.Hour)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", 5*time.Minute)
	v.SetDefault("reaper.timeout", 300*time.Second)

	v.SetDefault("gateway.auth_timeout", 10*time.Second)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.allow_origins", []string{})

	v.SetDefault("events.backend", "redis")
	v.SetDefault("events.database_url", "")
	v.SetDefault("events.retention", 30*24*time.Hour)
	v.SetDefault("events.max_per_subject", 1000)

	v.SetDefault("routes.rules", map[string]string{
		"agent_":    "agents",
		"briefing_": "briefings",
		"scrape_":   "scraping",
	})
	v.SetDefault("routes.default", "default")

	v.SetDefault("runner.endpoint", "http://localhost:9000/run")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.timeout", 5*time.Minute)
}

// Load reads defaults, then the YAML file at path when given, then
// JOBRELAY_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
