// Package config loads service settings from .env and the environment.
package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"marketplace-service/internal/notify"
	"marketplace-service/internal/service"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string
	// Store is "mysql" or "memory".
	Store string

	DBHost string
	DBPort string
	DBUser string
	DBPass string
	DBName string

	RedisAddr string

	KafkaEnabled   bool
	OrderTopic     string
	PaymentTopic   string
	PaymentGroupID string

	FonnteURL    string
	FonnteToken  string
	WebhookToken string

	GeminiURL    string
	GeminiAPIKey string
	GeminiModel  string

	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	JWTSecret   string
	AdminAPIKey string
	TokenTTL    time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	NotifyRetryInterval time.Duration
	NotifyMaxAttempts   int

	SupplierRadiusKm   float64
	SupplierLimit      int
	CourierRadiusKm    float64
	CourierLimit       int
	SupplierCapacity   int
	ServiceFee         decimal.Decimal
	ShippingRatePerKm  decimal.Decimal
	OfferTTL           time.Duration
	MaxBroadcastRounds int
}

func setDefaults() {
	viper.SetDefault("ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8082")
	viper.SetDefault("STORE", "mysql")

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_USER", "root")
	viper.SetDefault("DB_NAME", "marketplace")

	viper.SetDefault("REDIS_ADDR", "localhost:6379")

	viper.SetDefault("KAFKA_ENABLED", true)
	viper.SetDefault("KAFKA_BROKERS", defaultBrokers)
	viper.SetDefault("ORDER_TOPIC", "order-topic")
	viper.SetDefault("PAYMENT_TOPIC", "payment-topic")
	viper.SetDefault("PAYMENT_GROUP_ID", "marketplace-service-group")

	viper.SetDefault("FONNTE_URL", notify.DefaultFonnteURL)
	viper.SetDefault("GEMINI_URL", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("GEMINI_MODEL", "gemini-1.5-flash")

	viper.SetDefault("TEMPORAL_HOST", "localhost:7233")
	viper.SetDefault("TEMPORAL_NAMESPACE", "default")
	viper.SetDefault("TEMPORAL_TASK_QUEUE", "offer-expiry")

	viper.SetDefault("TOKEN_TTL", "72h")
	viper.SetDefault("RATE_LIMIT_RPS", 5)
	viper.SetDefault("RATE_LIMIT_BURST", 10)

	viper.SetDefault("NOTIFY_RETRY_INTERVAL", "5s")
	viper.SetDefault("NOTIFY_MAX_ATTEMPTS", 6)

	d := service.DefaultOptions()
	viper.SetDefault("SUPPLIER_RADIUS_KM", d.SupplierRadiusKm)
	viper.SetDefault("SUPPLIER_LIMIT", d.SupplierLimit)
	viper.SetDefault("COURIER_RADIUS_KM", d.CourierRadiusKm)
	viper.SetDefault("COURIER_LIMIT", d.CourierLimit)
	viper.SetDefault("SUPPLIER_CAPACITY", d.SupplierCapacity)
	viper.SetDefault("SERVICE_FEE", d.ServiceFee.String())
	viper.SetDefault("SHIPPING_RATE_PER_KM", d.ShippingRatePerKm.String())
	viper.SetDefault("OFFER_TTL", d.OfferTTL.String())
	viper.SetDefault("MAX_BROADCAST_ROUNDS", d.MaxBroadcastRounds)
}

func LoadConfig() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		logger.Info().Msgf("No config file found: %v", err)
	}

	return &Config{
		Env:      viper.GetString("ENV"),
		LogLevel: viper.GetString("LOG_LEVEL"),
		HTTPAddr: viper.GetString("HTTP_ADDR"),
		Store:    viper.GetString("STORE"),

		DBHost: viper.GetString("DB_HOST"),
		DBPort: viper.GetString("DB_PORT"),
		DBUser: viper.GetString("DB_USER"),
		DBPass: viper.GetString("DB_PASS"),
		DBName: viper.GetString("DB_NAME"),

		RedisAddr: viper.GetString("REDIS_ADDR"),

		KafkaEnabled:   viper.GetBool("KAFKA_ENABLED"),
		OrderTopic:     viper.GetString("ORDER_TOPIC"),
		PaymentTopic:   viper.GetString("PAYMENT_TOPIC"),
		PaymentGroupID: viper.GetString("PAYMENT_GROUP_ID"),

		FonnteURL:    viper.GetString("FONNTE_URL"),
		FonnteToken:  viper.GetString("FONNTE_TOKEN"),
		WebhookToken: viper.GetString("WEBHOOK_TOKEN"),

		GeminiURL:    viper.GetString("GEMINI_URL"),
		GeminiAPIKey: viper.GetString("GEMINI_API_KEY"),
		GeminiModel:  viper.GetString("GEMINI_MODEL"),

		TemporalHost:      viper.GetString("TEMPORAL_HOST"),
		TemporalNamespace: viper.GetString("TEMPORAL_NAMESPACE"),
		TemporalTaskQueue: viper.GetString("TEMPORAL_TASK_QUEUE"),

		JWTSecret:   viper.GetString("JWT_SECRET"),
		AdminAPIKey: viper.GetString("ADMIN_API_KEY"),
		TokenTTL:    viper.GetDuration("TOKEN_TTL"),

		RateLimitRPS:   viper.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst: viper.GetInt("RATE_LIMIT_BURST"),

		NotifyRetryInterval: viper.GetDuration("NOTIFY_RETRY_INTERVAL"),
		NotifyMaxAttempts:   viper.GetInt("NOTIFY_MAX_ATTEMPTS"),

		SupplierRadiusKm:   viper.GetFloat64("SUPPLIER_RADIUS_KM"),
		SupplierLimit:      viper.GetInt("SUPPLIER_LIMIT"),
		CourierRadiusKm:    viper.GetFloat64("COURIER_RADIUS_KM"),
		CourierLimit:       viper.GetInt("COURIER_LIMIT"),
		SupplierCapacity:   viper.GetInt("SUPPLIER_CAPACITY"),
		ServiceFee:         getDecimal("SERVICE_FEE"),
		ShippingRatePerKm:  getDecimal("SHIPPING_RATE_PER_KM"),
		OfferTTL:           viper.GetDuration("OFFER_TTL"),
		MaxBroadcastRounds: viper.GetInt("MAX_BROADCAST_ROUNDS"),
	}
}

func getDecimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(viper.GetString(key))
	if err != nil {
		logger.Error().Err(err).Msgf("Invalid decimal for %s, using zero", key)
		return decimal.Zero
	}
	return d
}

// ServiceOptions maps the matching and fee settings onto service.Options.
func (c *Config) ServiceOptions() service.Options {
	return service.Options{
		SupplierRadiusKm:   c.SupplierRadiusKm,
		SupplierLimit:      c.SupplierLimit,
		CourierRadiusKm:    c.CourierRadiusKm,
		CourierLimit:       c.CourierLimit,
		SupplierCapacity:   c.SupplierCapacity,
		ServiceFee:         c.ServiceFee,
		ShippingRatePerKm:  c.ShippingRatePerKm,
		OfferTTL:           c.OfferTTL,
		MaxBroadcastRounds: c.MaxBroadcastRounds,
	}
}

// RetryPolicy builds the notification retry policy.
func (c *Config) RetryPolicy() notify.RetryPolicy {
	p := notify.DefaultRetryPolicy()
	if c.NotifyMaxAttempts > 0 {
		p.MaximumAttempts = c.NotifyMaxAttempts
	}
	return p
}
