package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	GRPCPort string `env:"GRPC_PORT" envDefault:"50051"`
	GinMode  string `env:"GIN_MODE"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DB DBConfig

	RedisURL string `env:"REDIS_URL" envDefault:"localhost:6379"`
	AMQPURL  string `env:"AMQP_URL"`

	JWTSecret             string `env:"JWT_SECRET,required,notEmpty"`
	PocketFiWebhookSecret string `env:"POCKETFI_WEBHOOK_SECRET,required,notEmpty"`

	TextVerified TextVerifiedConfig
	SMSPool      SMSPoolConfig

	DefaultProvider string `env:"DEFAULT_PROVIDER" envDefault:"textverified"`

	Pricing PricingConfig

	RentalTTL        time.Duration `env:"RENTAL_TTL" envDefault:"15m"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	CatalogTTL       time.Duration `env:"CATALOG_TTL" envDefault:"10m"`
	OrphanDebitGrace time.Duration `env:"ORPHAN_DEBIT_GRACE" envDefault:"10m"`
	VendorTimeout    time.Duration `env:"VENDOR_TIMEOUT" envDefault:"20s"`

	CallbackLogRetention time.Duration `env:"CALLBACK_LOG_RETENTION" envDefault:"2160h"`
}

type DBConfig struct {
	Driver   string `env:"DB_DRIVER" envDefault:"mysql"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"3306"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`
}

type TextVerifiedConfig struct {
	BaseURL  string `env:"TEXTVERIFIED_BASE_URL" envDefault:"https://www.textverified.com"`
	APIKey   string `env:"TEXTVERIFIED_API_KEY"`
	Username string `env:"TEXTVERIFIED_USERNAME"`
}

type SMSPoolConfig struct {
	BaseURL string `env:"SMSPOOL_BASE_URL" envDefault:"https://api.smspool.net"`
	APIKey  string `env:"SMSPOOL_API_KEY"`
}

type PricingConfig struct {
	USDRate       decimal.Decimal `env:"USD_NGN_RATE" envDefault:"1600"`
	RateFeedURL   string          `env:"RATE_FEED_URL"`
	MarkupPercent decimal.Decimal `env:"PRICE_MARKUP_PERCENT" envDefault:"30"`
	Bucket        decimal.Decimal `env:"PRICE_BUCKET" envDefault:"50"`
}

// Load reads .env (current directory, then parent) and parses the process environment.
func Load() (*Config, error) {
	loadDotEnv()
	return Parse()
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found in current directory, trying parent")
		if err := godotenv.Load("../.env"); err != nil {
			log.Debug("No .env file found, using system environment variables")
		}
	}
}

// LoadDB reads only the database settings, for tools that need nothing else.
func LoadDB() (DBConfig, error) {
	loadDotEnv()
	var cfg DBConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse db config: %w", err)
	}
	return cfg, nil
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DB.Driver != "mysql" && cfg.DB.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}
	if !cfg.Pricing.USDRate.IsPositive() {
		return nil, fmt.Errorf("USD_NGN_RATE must be positive")
	}
	if cfg.Pricing.MarkupPercent.IsNegative() {
		return nil, fmt.Errorf("PRICE_MARKUP_PERCENT must not be negative")
	}
	return &cfg, nil
}
