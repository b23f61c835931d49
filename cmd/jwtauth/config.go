package main

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "JWTAUTH"

// Config is the CLI configuration read from jwtauth.yaml and JWTAUTH_* variables.
type Config struct {
	LogLevel string `mapstructure:"log_level" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR"`

	// Signing
	Subject        string        `mapstructure:"subject"`
	KeyID          string        `mapstructure:"key_id"`
	Algorithm      string        `mapstructure:"algorithm"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	Lifetime       time.Duration `mapstructure:"lifetime" default:"5m" validate:"gt=0"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       []string      `mapstructure:"audience"`

	// Verification
	Algorithms     []string          `mapstructure:"algorithms"`
	ClockSkew      time.Duration     `mapstructure:"clock_skew" validate:"gte=0"`
	MaxLifetime    time.Duration     `mapstructure:"max_lifetime" validate:"gte=0"`
	ExpectIssuer   string            `mapstructure:"expect_issuer"`
	ExpectAudience string            `mapstructure:"expect_audience"`
	TrustedKeys    map[string]string `mapstructure:"trusted_keys"`
	JWKSTemplate   string            `mapstructure:"jwks_url_template"`
	JWKSTrusts     map[string]string `mapstructure:"jwks_trusts"`
	JWKSRefresh    time.Duration     `mapstructure:"jwks_min_refresh" default:"5m" validate:"gt=0"`
	HTTPTimeout    time.Duration     `mapstructure:"http_timeout" default:"5s" validate:"gt=0"`
	RequireNonce   bool              `mapstructure:"require_nonce"`

	// Backends
	DatabaseURL string `mapstructure:"database_url" secret:"true"`
	RedisURL    string `mapstructure:"redis_url" secret:"true"`
}

// loadConfig layers struct defaults, the optional config file and the environment.
func loadConfig(path string) (*Config, error) {
	cfg := Config{}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jwtauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = v.BindEnv(key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// String renders the config with secret fields redacted.
func (c *Config) String() string {
	v := reflect.ValueOf(*c)
	t := v.Type()
	parts := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := fmt.Sprintf("%v", v.Field(i).Interface())
		if field.Tag.Get("secret") == "true" && value != "" {
			value = "***REDACTED***"
		}
		parts = append(parts, field.Name+": "+value)
	}
	return "Config{" + strings.Join(parts, ", ") + "}"
}
