package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Ledger   Ledger   `mapstructure:"ledger"`
	Trading  Trading  `mapstructure:"trading"`
	Gateway  Gateway  `mapstructure:"gateway"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Ledger holds the account defaults.
// RecoverAfter is how long a stake may stay debited before a newly opened
// ledger refunds it.
type Ledger struct {
	InitialBalance float64       `mapstructure:"initial_balance"`
	Currency       string        `mapstructure:"currency"`
	RecoverAfter   time.Duration `mapstructure:"recover_after"`
}

// Bot overrides one trading bot preset.
type Bot struct {
	Type            string  `mapstructure:"type"`
	Instrument      string  `mapstructure:"instrument"`
	Market          string  `mapstructure:"market"`
	DurationSeconds int     `mapstructure:"duration_seconds"`
	PayoutPercent   float64 `mapstructure:"payout_percent"`
}

// Trading holds the configuration for the settlement simulator and bots.
// The Max/Min fields bound custom orders placed over the API.
type Trading struct {
	WinProbability     float64 `mapstructure:"win_probability"`
	Seed               int64   `mapstructure:"seed"`
	Bots               []Bot   `mapstructure:"bots"`
	TickInterval       int     `mapstructure:"tick_interval"`
	Rounds             int     `mapstructure:"rounds"`
	Stake              float64 `mapstructure:"stake"`
	MaxPayoutPercent   float64 `mapstructure:"max_payout_percent"`
	MinDurationSeconds int     `mapstructure:"min_duration_seconds"`
	MaxDurationSeconds int     `mapstructure:"max_duration_seconds"`
}

// Gateway holds the configuration for the payment gateway API.
// Credentials are expected from the environment (GATEWAY_CONSUMER_KEY, ...).
type Gateway struct {
	BaseURL        string        `mapstructure:"base_url"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
	CallbackURL    string        `mapstructure:"callback_url"`
	NotificationID string        `mapstructure:"notification_id"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PollAttempts   int           `mapstructure:"poll_attempts"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// Enabled reports whether gateway credentials are configured.
func (g Gateway) Enabled() bool {
	return g.BaseURL != "" && g.ConsumerKey != "" && g.ConsumerSecret != ""
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
// Driver is one of "sqlite", "postgres" or "memory".
type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in the working directory is loaded first if present.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.initial_balance", 0)
	v.SetDefault("ledger.currency", "USD")
	v.SetDefault("ledger.recover_after", 10*time.Minute)

	v.SetDefault("trading.win_probability", 0.5)
	v.SetDefault("trading.seed", 0)
	v.SetDefault("trading.tick_interval", 5)
	v.SetDefault("trading.rounds", 10)
	v.SetDefault("trading.stake", 10)
	v.SetDefault("trading.max_payout_percent", 200)
	v.SetDefault("trading.min_duration_seconds", 1)
	v.SetDefault("trading.max_duration_seconds", 300)

	v.SetDefault("gateway.base_url", "https://cybqa.pesapal.com/pesapalv3")
	v.SetDefault("gateway.consumer_key", "")
	v.SetDefault("gateway.consumer_secret", "")
	v.SetDefault("gateway.callback_url", "")
	v.SetDefault("gateway.notification_id", "")
	v.SetDefault("gateway.rate_limit", 5)       // requests per second
	v.SetDefault("gateway.rate_limit_burst", 2) // burst size
	v.SetDefault("gateway.token_ttl", 4*time.Minute)
	v.SetDefault("gateway.poll_attempts", 5)
	v.SetDefault("gateway.poll_interval", 3*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ledger.db")
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Ledger.InitialBalance < 0 {
		return fmt.Errorf("ledger.initial_balance must not be negative, got %v", c.Ledger.InitialBalance)
	}
	if c.Trading.WinProbability < 0 || c.Trading.WinProbability > 1 {
		return fmt.Errorf("trading.win_probability must be between 0 and 1, got %v", c.Trading.WinProbability)
	}
	if c.Trading.MinDurationSeconds < 0 || c.Trading.MaxDurationSeconds < c.Trading.MinDurationSeconds {
		return fmt.Errorf("trading duration bounds are invalid: min %d, max %d",
			c.Trading.MinDurationSeconds, c.Trading.MaxDurationSeconds)
	}
	if c.Trading.MaxPayoutPercent <= 0 {
		return fmt.Errorf("trading.max_payout_percent must be positive, got %v", c.Trading.MaxPayoutPercent)
	}
	// A stake still inside its trade window must never be recovered.
	if maxTrade := time.Duration(c.Trading.MaxDurationSeconds) * time.Second; c.Ledger.RecoverAfter <= maxTrade {
		return fmt.Errorf("ledger.recover_after must exceed the longest trade (%s), got %s", maxTrade, c.Ledger.RecoverAfter)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", c.Database.Driver)
	}
	if c.Gateway.PollAttempts < 1 {
		return fmt.Errorf("gateway.poll_attempts must be at least 1, got %d", c.Gateway.PollAttempts)
	}
	return nil
}
