/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	TreasuryAPIBaseURL         string `mapstructure:"TREASURY_API_BASE_URL"`
	TreasuryAPIKey             string `mapstructure:"TREASURY_API_KEY"`
	TreasuryCustodyAccount     string `mapstructure:"TREASURY_CUSTODY_ACCOUNT"`
	AuthJWKSURL                string `mapstructure:"AUTH_JWKS_URL"`
	DonationRateLimitPerMinute int    `mapstructure:"DONATION_RATE_LIMIT_PER_MINUTE"`
	RequestRateLimitPerMinute  int    `mapstructure:"REQUEST_RATE_LIMIT_PER_MINUTE"`
	ReconcileSchedule          string `mapstructure:"RECONCILE_SCHEDULE"`
	// MaxRequestAmount caps single aid requests in smallest token units.
	// Zero disables the cap.
	MaxRequestAmount int64 `mapstructure:"MAX_REQUEST_AMOUNT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "campusshield:rate_limit")
	viper.SetDefault("DONATION_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("REQUEST_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("MAX_REQUEST_AMOUNT", 0)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TREASURY_API_BASE_URL")
	_ = viper.BindEnv("TREASURY_API_KEY")
	_ = viper.BindEnv("TREASURY_CUSTODY_ACCOUNT")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("DONATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REQUEST_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("MAX_REQUEST_AMOUNT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "campusshield:rate_limit"
	}
	config.TreasuryCustodyAccount = strings.ToLower(strings.TrimSpace(config.TreasuryCustodyAccount))

	if config.DonationRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative donation rate limit configured; disabling\" limit=%d", config.DonationRateLimitPerMinute)
		config.DonationRateLimitPerMinute = 0
	}
	if config.RequestRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative request rate limit configured; disabling\" limit=%d", config.RequestRateLimitPerMinute)
		config.RequestRateLimitPerMinute = 0
	}
	if config.MaxRequestAmount < 0 {
		log.Printf("level=warn component=config msg=\"negative max request amount configured; disabling cap\" amount=%d", config.MaxRequestAmount)
		config.MaxRequestAmount = 0
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "*/15 * * * *"
	}

	return
}
