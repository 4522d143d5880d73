package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/yeremiapane/receipt-engine/catalog"
	"github.com/yeremiapane/receipt-engine/utils"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Gateway  GatewayConfig
	Payments PaymentsConfig
	Workers  WorkersConfig
	Log      LogConfig
	Prices   catalog.Prices
}

type AppConfig struct {
	Env     string `validate:"oneof=development production test"`
	Port    string `validate:"required,numeric"`
	GinMode string `validate:"oneof=debug release test"`
	// AdminEmail and AdminPassword seed the first admin account.
	AdminEmail    string `validate:"omitempty,email"`
	AdminPassword string `validate:"required_with=AdminEmail"`
}

type DatabaseConfig struct {
	Driver   string `validate:"oneof=mysql postgres sqlite"`
	Host     string `validate:"required_unless=Driver sqlite"`
	Port     string `validate:"required_unless=Driver sqlite"`
	Name     string `validate:"required"`
	User     string `validate:"required_unless=Driver sqlite"`
	Password string
	SSLMode  string
}

// RedisConfig is optional; without an address owner locks stay in process.
type RedisConfig struct {
	Addr     string `validate:"omitempty,hostname_port"`
	Password string
	DB       int `validate:"gte=0"`
	LockTTL  time.Duration
}

type JWTConfig struct {
	Secret string        `validate:"required,min=16"`
	Expiry time.Duration `validate:"gt=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `validate:"required,min=1"`
}

type GatewayConfig struct {
	Name                  string `validate:"oneof=stripe authorizenet mock"`
	StripeSecretKey       string `validate:"required_if=Name stripe"`
	StripeWebhookSecret   string
	StripeFeeBasisPoints  int64  `validate:"gte=0"`
	StripeFeeFixedCents   int64  `validate:"gte=0"`
	AuthNetLoginID        string `validate:"required_if=Name authorizenet"`
	AuthNetTransactionKey string `validate:"required_if=Name authorizenet"`
	AuthNetSignatureKey   string
	AuthNetSandbox        bool
	Currency              string `validate:"len=3"`
}

type PaymentsConfig struct {
	CeilingCents int64         `validate:"gt=0"`
	Retention    time.Duration `validate:"gt=0"`
	// RateLimit is requests per second per client on the public payment endpoints.
	RateLimit float64 `validate:"gt=0"`
	RateBurst int     `validate:"gt=0"`
}

type WorkersConfig struct {
	PendingTimeout    time.Duration `validate:"gt=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	PollInterval      time.Duration `validate:"gt=0"`
	PollMaxAge        time.Duration `validate:"gt=0"`
	ReconcileInterval time.Duration `validate:"gt=0"`
	OperationTimeout  time.Duration `validate:"gt=0"`
}

type LogConfig struct {
	Format string `validate:"oneof=text json"`
	Level  string `validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "debug")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("DB_NAME", "receipts")
	v.SetDefault("DB_USER", "root")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_LOCK_TTL", "30s")
	v.SetDefault("JWT_EXPIRY", "24h")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")
	v.SetDefault("PAYMENT_GATEWAY", "mock")
	v.SetDefault("STRIPE_FEE_BASIS_POINTS", 290)
	v.SetDefault("STRIPE_FEE_FIXED_CENTS", 30)
	v.SetDefault("AUTHNET_SANDBOX", true)
	v.SetDefault("PAYMENT_CURRENCY", "usd")
	v.SetDefault("PAYMENT_CEILING_CENTS", 999999)
	v.SetDefault("REFUND_RETENTION", "4320h")
	v.SetDefault("PAYMENT_RATE_LIMIT", 1)
	v.SetDefault("PAYMENT_RATE_BURST", 10)
	v.SetDefault("PENDING_TIMEOUT", "30m")
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("POLL_INTERVAL", "1m")
	v.SetDefault("POLL_MAX_AGE", "30m")
	v.SetDefault("RECONCILE_INTERVAL", "1m")
	v.SetDefault("OPERATION_TIMEOUT", "10m")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads .env (when present) and the environment, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		utils.InfoLogger.Println("Warning: .env file not found, using environment variables")
	}
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:           v.GetString("APP_ENV"),
			Port:          v.GetString("PORT"),
			GinMode:       v.GetString("GIN_MODE"),
			AdminEmail:    v.GetString("ADMIN_EMAIL"),
			AdminPassword: v.GetString("ADMIN_PASSWORD"),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			SSLMode:  v.GetString("DB_SSL_MODE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			LockTTL:  v.GetDuration("REDIS_LOCK_TTL"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("JWT_SECRET"),
			Expiry: v.GetDuration("JWT_EXPIRY"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Gateway: GatewayConfig{
			Name:                  strings.ToLower(v.GetString("PAYMENT_GATEWAY")),
			StripeSecretKey:       v.GetString("STRIPE_SECRET_KEY"),
			StripeWebhookSecret:   v.GetString("STRIPE_WEBHOOK_SECRET"),
			StripeFeeBasisPoints:  v.GetInt64("STRIPE_FEE_BASIS_POINTS"),
			StripeFeeFixedCents:   v.GetInt64("STRIPE_FEE_FIXED_CENTS"),
			AuthNetLoginID:        v.GetString("AUTHNET_LOGIN_ID"),
			AuthNetTransactionKey: v.GetString("AUTHNET_TRANSACTION_KEY"),
			AuthNetSignatureKey:   v.GetString("AUTHNET_SIGNATURE_KEY"),
			AuthNetSandbox:        v.GetBool("AUTHNET_SANDBOX"),
			Currency:              strings.ToLower(v.GetString("PAYMENT_CURRENCY")),
		},
		Payments: PaymentsConfig{
			CeilingCents: v.GetInt64("PAYMENT_CEILING_CENTS"),
			Retention:    v.GetDuration("REFUND_RETENTION"),
			RateLimit:    v.GetFloat64("PAYMENT_RATE_LIMIT"),
			RateBurst:    v.GetInt("PAYMENT_RATE_BURST"),
		},
		Workers: WorkersConfig{
			PendingTimeout:    v.GetDuration("PENDING_TIMEOUT"),
			SweepInterval:     v.GetDuration("SWEEP_INTERVAL"),
			PollInterval:      v.GetDuration("POLL_INTERVAL"),
			PollMaxAge:        v.GetDuration("POLL_MAX_AGE"),
			ReconcileInterval: v.GetDuration("RECONCILE_INTERVAL"),
			OperationTimeout:  v.GetDuration("OPERATION_TIMEOUT"),
		},
		Log: LogConfig{
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
		},
	}

	prices, err := LoadPrices(v.GetString("PRICING_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Prices = prices

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadPrices overlays a YAML or JSON price file on the default prices. An
// empty path returns the defaults.
func LoadPrices(path string) (catalog.Prices, error) {
	prices := catalog.DefaultPrices()
	if path == "" {
		return prices, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return prices, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}
	if err := v.Unmarshal(&prices); err != nil {
		return prices, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}
	utils.InfoLogger.WithField("file", path).Info("Pricing loaded")
	return prices, nil
}

func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		return "host=" + c.Host +
			" user=" + c.User +
			" password=" + c.Password +
			" dbname=" + c.Name +
			" port=" + c.Port +
			" sslmode=" + c.SSLMode
	case "sqlite":
		return c.Name
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
