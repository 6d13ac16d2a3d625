// Package config loads settlement engine settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	settlement "settlement-engine/internal/settlement/domain"
)

// GatewayConfig holds payout gateway settings.
type GatewayConfig struct {
	BaseURL           string        `env:"GATEWAY_BASE_URL" validate:"omitempty,url"`
	ClientID          string        `env:"GATEWAY_CLIENT_ID" validate:"required_with=BaseURL"`
	SigningSecret     string        `env:"GATEWAY_SIGNING_SECRET" validate:"required_with=BaseURL"`
	Timeout           time.Duration `env:"GATEWAY_TIMEOUT,default=15s" validate:"gt=0"`
	RequestsPerSecond float64       `env:"GATEWAY_RPS,default=5" validate:"gte=0"`
	Burst             int           `env:"GATEWAY_BURST,default=5" validate:"gte=0"`
	PhoneRegion       string        `env:"GATEWAY_PHONE_REGION,default=IN" validate:"len=2"`
}

// Settings are the values decoded from the environment.
type Settings struct {
	DatabaseDriver string `env:"DATABASE_DRIVER,default=pgx" validate:"oneof=pgx sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" validate:"required"`
	OrdersTable    string `env:"ORDERS_TABLE,default=orders" validate:"required"`
	// DeliveredStatus is the orders.status value counted as delivered.
	DeliveredStatus string `env:"ORDERS_DELIVERED_STATUS,default=delivered" validate:"required"`
	HTTPAddr        string `env:"HTTP_ADDR,default=:8080"`

	CommissionRateRaw   string `env:"COMMISSION_RATE,default=15" validate:"required"`
	OperatingTimezone   string `env:"OPERATING_TIMEZONE,default=UTC" validate:"required"`
	DueDateOffsetDays   int    `env:"DUE_DATE_OFFSET_DAYS,default=3" validate:"gte=0,lte=30"`
	Currency            string `env:"CURRENCY,default=INR" validate:"len=3,uppercase"`
	DefaultTransferMode string `env:"DEFAULT_TRANSFER_MODE,default=IMPS" validate:"oneof=IMPS NEFT RTGS UPI"`
	TransferModesFile   string `env:"TRANSFER_MODES_FILE"`
	PayoutNarration     string `env:"PAYOUT_NARRATION,default=Settlement" validate:"max=20"`

	Gateway GatewayConfig

	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	WebhookMaxSkew time.Duration `env:"WEBHOOK_MAX_SKEW,default=5m"`
	OpsWebhookURL  string        `env:"OPS_WEBHOOK_URL" validate:"omitempty,url"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	AggregateSchedule string        `env:"AGGREGATE_SCHEDULE,default=0 3 * * MON"`
	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE,default=*/15 * * * *"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE,default=24h" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
}

// Config is the process configuration: the decoded settings plus the values
// derived from them.
type Config struct {
	Settings

	CommissionRate decimal.Decimal
	Location       *time.Location
	TransferModes  map[string]settlement.TransferMode
}

// TransferModeFile is the yaml layout of TRANSFER_MODES_FILE.
type TransferModeFile struct {
	Default     string            `yaml:"default"`
	Restaurants map[string]string `yaml:"restaurants"`
}

var validate = validator.New()

// Load reads .env files (missing files are skipped), decodes the environment
// and validates the result.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg.Settings); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode env: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := validate.Struct(cfg.Settings); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) resolve() error {
	c.DefaultTransferMode = strings.ToUpper(strings.TrimSpace(c.DefaultTransferMode))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))

	rate, err := decimal.NewFromString(strings.TrimSpace(c.CommissionRateRaw))
	if err != nil {
		return fmt.Errorf("config: COMMISSION_RATE %q: %w", c.CommissionRateRaw, err)
	}
	if err := settlement.ValidateCommissionRate(rate); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.CommissionRate = rate

	loc, err := time.LoadLocation(c.OperatingTimezone)
	if err != nil {
		return fmt.Errorf("config: OPERATING_TIMEZONE %q: %w", c.OperatingTimezone, err)
	}
	c.Location = loc

	c.TransferModes = map[string]settlement.TransferMode{}
	if c.TransferModesFile != "" {
		file, err := LoadTransferModes(c.TransferModesFile)
		if err != nil {
			return err
		}
		if file.Default != "" {
			c.DefaultTransferMode = strings.ToUpper(strings.TrimSpace(file.Default))
		}
		for restaurant, raw := range file.Restaurants {
			mode, ok := settlement.ParseTransferMode(raw)
			if !ok {
				return fmt.Errorf("config: %s: restaurant %s has unknown transfer mode %q", c.TransferModesFile, restaurant, raw)
			}
			c.TransferModes[restaurant] = mode
		}
	}
	return nil
}

// LoadTransferModes reads the per-restaurant transfer mode overrides.
func LoadTransferModes(path string) (TransferModeFile, error) {
	var file TransferModeFile
	data, err := os.ReadFile(path)
	if err != nil {
		return file, fmt.Errorf("config: read transfer modes: %w", err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("config: parse transfer modes: %w", err)
	}
	return file, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
