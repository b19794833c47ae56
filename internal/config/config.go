// Package config loads the relay configuration from an optional YAML file and
// RELAY_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_AMQP_URL
const EnvPrefix = "RELAY"

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Queues   QueueConfig    `mapstructure:"queues"`
	Log      LogConfig      `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
}

type AMQPConfig struct {
	// URL wins over the individual connection fields when set
	URL             string        `mapstructure:"url"`
	Scheme          string        `mapstructure:"scheme"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	VHost           string        `mapstructure:"vhost"`
	Concurrent      int           `mapstructure:"concurrent"`
	PrefetchCount   int           `mapstructure:"prefetch_count"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	Reconnect       bool          `mapstructure:"reconnect"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
}

type QueueConfig struct {
	InputQueue      string `mapstructure:"input_queue"`
	OutputQueue     string `mapstructure:"output_queue"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`
	FailurePolicy   string `mapstructure:"failure_policy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mmate-relay")
	v.SetDefault("app.port", 8080)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.scheme", "amqp")
	v.SetDefault("amqp.host", "localhost")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.username", "guest")
	v.SetDefault("amqp.password", "guest")
	v.SetDefault("amqp.vhost", "/")
	v.SetDefault("amqp.concurrent", 10)
	v.SetDefault("amqp.prefetch_count", 10)
	v.SetDefault("amqp.connect_attempts", rabbitmq.DefaultMaxAttempts)
	v.SetDefault("amqp.retry_delay", rabbitmq.DefaultRetryDelay)
	v.SetDefault("amqp.heartbeat", 10*time.Second)
	v.SetDefault("amqp.reconnect", true)
	v.SetDefault("amqp.confirm_timeout", 10*time.Second)
	v.SetDefault("amqp.handler_timeout", 30*time.Second)

	v.SetDefault("queues.input_queue", "")
	v.SetDefault("queues.output_queue", "")
	v.SetDefault("queues.dead_letter_queue", "")
	v.SetDefault("queues.failure_policy", string(rabbitmq.FailureDeadLetter))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.refresh_interval", 5*time.Second)
	v.SetDefault("shutdown.drain_timeout", time.Duration(0))
}

// Load reads path, or config.yaml from . and ./config when path is empty. A
// missing default file is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Queues.DeadLetterQueue == "" && cfg.Queues.InputQueue != "" {
		cfg.Queues.DeadLetterQueue = cfg.Queues.InputQueue + ".dlq"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.Queues.InputQueue == "" {
		errs = append(errs, errors.New("queues.input_queue is required"))
	}
	if c.Queues.OutputQueue == "" {
		errs = append(errs, errors.New("queues.output_queue is required"))
	}
	if c.Queues.InputQueue != "" && c.Queues.InputQueue == c.Queues.OutputQueue {
		errs = append(errs, errors.New("queues.input_queue and queues.output_queue must differ"))
	}
	if _, err := rabbitmq.ParseFailurePolicy(c.Queues.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.AMQP.Concurrent < 1 {
		errs = append(errs, fmt.Errorf("amqp.concurrent must be at least 1, got %d", c.AMQP.Concurrent))
	}
	if c.AMQP.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("amqp.prefetch_count must not be negative, got %d", c.AMQP.PrefetchCount))
	}
	if c.AMQP.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("amqp.connect_attempts must be at least 1, got %d", c.AMQP.ConnectAttempts))
	}
	if c.AMQP.RetryDelay < 0 {
		errs = append(errs, errors.New("amqp.retry_delay must not be negative"))
	}
	if c.AMQP.HandlerTimeout < 0 {
		errs = append(errs, errors.New("amqp.handler_timeout must not be negative"))
	}
	if c.App.Port < 1 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("app.port out of range: %d", c.App.Port))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Log.Format))
	}
	if c.Metrics.RefreshInterval <= 0 {
		errs = append(errs, errors.New("metrics.refresh_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", rabbitmq.ErrInvalidConfiguration, errors.Join(errs...))
	}
	return nil
}

// FailurePolicy returns the parsed failure policy. Call after Validate.
func (c *Config) FailurePolicy() rabbitmq.FailurePolicy {
	p, _ := rabbitmq.ParseFailurePolicy(c.Queues.FailurePolicy)
	return p
}

// DSN returns the broker URL
func (c *AMQPConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: c.Scheme,
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/",
	}
	if c.VHost != "" && c.VHost != "/" {
		u.Path = "/" + c.VHost
		u.RawPath = "/" + url.PathEscape(c.VHost)
	}
	return u.String()
}

// String renders the configuration with broker credentials masked
func (c Config) String() string {
	return fmt.Sprintf(
		"app=%s port=%d amqp=%s concurrent=%d prefetch=%d attempts=%d retry_delay=%s reconnect=%t input=%s output=%s dlq=%s policy=%s log=%s/%s",
		c.App.Name, c.App.Port,
		rabbitmq.SanitizeURL(c.AMQP.DSN()),
		c.AMQP.Concurrent, c.AMQP.PrefetchCount,
		c.AMQP.ConnectAttempts, c.AMQP.RetryDelay, c.AMQP.Reconnect,
		c.Queues.InputQueue, c.Queues.OutputQueue, c.Queues.DeadLetterQueue, c.Queues.FailurePolicy,
		c.Log.Level, c.Log.Format,
	)
}
