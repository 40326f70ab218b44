package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "KIOSK"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultAllowedOrigins    = "*"
	defaultPublicBaseURL     = "http://localhost:8080"
	defaultDeviceBaseURL     = "http://localhost:3000/pair"
	defaultDatabasePath      = "kiosk.db"
	defaultLogLevel          = "info"
	defaultFlowVariant       = FlowVariantKiosk
	defaultTokenTTL          = 120 * time.Second
	defaultUnusedTTL         = 90 * time.Second
	defaultSweepInterval     = 5 * time.Second
	defaultVisitorTokenTTL   = 30 * time.Minute
	defaultOTPTTL            = 5 * time.Minute
	defaultOTPMaxAttempts    = 5
	defaultFortuneTimeout    = 3 * time.Second
	defaultJournalExchange   = "kiosk.milestones"
	FlowVariantKiosk         = "kiosk"
	FlowVariantMobile        = "mobile"
	minimumSweepInterval     = 100 * time.Millisecond
	minimumVisitorTokenTTL   = time.Minute
)

// AppConfig captures runtime configuration for the kiosk API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	PublicBaseURL   string
	DeviceBaseURL   string
	DatabasePath    string
	LogLevel        string
	FlowVariant     string
	TokenTTL        time.Duration
	UnusedTTL       time.Duration
	SweepInterval   time.Duration
	SigningSecret   string
	VisitorTokenTTL time.Duration
	OTPTTL          time.Duration
	OTPMaxAttempts  int
	FortuneURL      string
	FortuneTimeout  time.Duration
	AMQPURL         string
	AMQPExchange    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("public.base_url", defaultPublicBaseURL)
	configViper.SetDefault("device.base_url", defaultDeviceBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("flow.variant", defaultFlowVariant)
	configViper.SetDefault("pairing.token_ttl", defaultTokenTTL)
	configViper.SetDefault("pairing.unused_ttl", defaultUnusedTTL)
	configViper.SetDefault("pairing.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("auth.token_ttl", defaultVisitorTokenTTL)
	configViper.SetDefault("otp.ttl", defaultOTPTTL)
	configViper.SetDefault("otp.max_attempts", defaultOTPMaxAttempts)
	configViper.SetDefault("fortune.timeout", defaultFortuneTimeout)
	configViper.SetDefault("amqp.exchange", defaultJournalExchange)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  splitList(configViper.GetString("http.allowed_origins")),
		PublicBaseURL:   strings.TrimRight(strings.TrimSpace(configViper.GetString("public.base_url")), "/"),
		DeviceBaseURL:   strings.TrimSpace(configViper.GetString("device.base_url")),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		FlowVariant:     strings.ToLower(strings.TrimSpace(configViper.GetString("flow.variant"))),
		TokenTTL:        configViper.GetDuration("pairing.token_ttl"),
		UnusedTTL:       configViper.GetDuration("pairing.unused_ttl"),
		SweepInterval:   configViper.GetDuration("pairing.sweep_interval"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		VisitorTokenTTL: configViper.GetDuration("auth.token_ttl"),
		OTPTTL:          configViper.GetDuration("otp.ttl"),
		OTPMaxAttempts:  configViper.GetInt("otp.max_attempts"),
		FortuneURL:      strings.TrimSpace(configViper.GetString("fortune.url")),
		FortuneTimeout:  configViper.GetDuration("fortune.timeout"),
		AMQPURL:         strings.TrimSpace(configViper.GetString("amqp.url")),
		AMQPExchange:    strings.TrimSpace(configViper.GetString("amqp.exchange")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// KioskDisplaysResults reports whether the configured flow shows results on the screen.
func (c AppConfig) KioskDisplaysResults() bool {
	return c.FlowVariant == FlowVariantKiosk
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlowVariant != FlowVariantKiosk && c.FlowVariant != FlowVariantMobile {
		return fmt.Errorf("flow.variant must be %q or %q, got %q", FlowVariantKiosk, FlowVariantMobile, c.FlowVariant)
	}
	if err := validateAbsoluteURL("public.base_url", c.PublicBaseURL); err != nil {
		return err
	}
	if err := validateAbsoluteURL("device.base_url", c.DeviceBaseURL); err != nil {
		return err
	}
	if c.UnusedTTL <= 0 || c.TokenTTL <= 0 {
		return fmt.Errorf("pairing.token_ttl and pairing.unused_ttl must be positive")
	}
	if c.UnusedTTL >= c.TokenTTL {
		return fmt.Errorf("pairing.unused_ttl (%s) must be shorter than pairing.token_ttl (%s)", c.UnusedTTL, c.TokenTTL)
	}
	if c.SweepInterval < minimumSweepInterval {
		return fmt.Errorf("pairing.sweep_interval must be at least %s", minimumSweepInterval)
	}
	if c.VisitorTokenTTL < minimumVisitorTokenTTL {
		return fmt.Errorf("auth.token_ttl must be at least %s", minimumVisitorTokenTTL)
	}
	if c.OTPTTL <= 0 || c.OTPMaxAttempts <= 0 {
		return fmt.Errorf("otp.ttl and otp.max_attempts must be positive")
	}
	if c.FortuneURL != "" {
		if err := validateAbsoluteURL("fortune.url", c.FortuneURL); err != nil {
			return err
		}
	}
	if c.AMQPURL != "" && c.AMQPExchange == "" {
		return fmt.Errorf("amqp.exchange is required when amqp.url is set")
	}
	return nil
}

func validateAbsoluteURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
