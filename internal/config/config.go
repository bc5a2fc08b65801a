package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/internal/feepolicy"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	DatabaseURL string

	// Fee and refund policy
	MinAppointmentFee          string
	SpecializationMultipliers  map[string]float64
	EarlyCancellationRefundPct int
	LateCancellationRefundPct  int
	CancellationThresholdHours int

	// Lifecycle limits
	LedgerCallTimeout   time.Duration
	MaxPendingPerDoctor int
	MaxActivePerPatient int
	ApprovalWindow      time.Duration
	ExpireInterval      time.Duration

	// Ledger
	LedgerBaseURL           string
	LedgerAPIKey            string
	PlatformEscrowAddress   string
	DevLedgerOpeningBalance string

	// Identity
	WalletJWTSecret string
	// DoctorDirectory lists known doctors as "0xaddr=Specialization" pairs.
	DoctorDirectory string
	// Per-wallet HTTP request budget
	RateLimitPerSecond float64
	RateLimitBurst     int

	// Refund pipeline
	UseMemoryQueue         bool
	RefundQueueURL         string
	RefundMaxAttempts      int
	RefundDispatchInterval time.Duration
	WorkerCount            int

	// Velocity guard
	SubmissionsPerPatientPerHour int

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Operator alerts
	SendGridAPIKey     string
	SendGridFromEmail  string
	SendGridFromName   string
	SESFromEmail       string
	OperatorAlertEmail string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		MinAppointmentFee:          getEnv("MIN_APPOINTMENT_FEE", "10"),
		SpecializationMultipliers:  getEnvAsFloatMap("SPECIALIZATION_MULTIPLIERS"),
		EarlyCancellationRefundPct: getEnvAsInt("EARLY_CANCELLATION_REFUND_PCT", 80),
		LateCancellationRefundPct:  getEnvAsInt("LATE_CANCELLATION_REFUND_PCT", 50),
		CancellationThresholdHours: getEnvAsInt("CANCELLATION_THRESHOLD_HOURS", 24),

		LedgerCallTimeout:   time.Duration(getEnvAsInt("LEDGER_CALL_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxPendingPerDoctor: getEnvAsInt("MAX_PENDING_PER_DOCTOR", 10),
		MaxActivePerPatient: getEnvAsInt("MAX_ACTIVE_PER_PATIENT", 3),
		ApprovalWindow:      getEnvAsDuration("APPROVAL_WINDOW", 48*time.Hour),
		ExpireInterval:      getEnvAsDuration("EXPIRE_INTERVAL", 5*time.Minute),

		LedgerBaseURL:           getEnv("LEDGER_BASE_URL", ""),
		LedgerAPIKey:            getEnv("LEDGER_API_KEY", ""),
		PlatformEscrowAddress:   strings.ToLower(getEnv("PLATFORM_ESCROW_ADDRESS", "")),
		DevLedgerOpeningBalance: getEnv("DEV_LEDGER_OPENING_BALANCE", "1000"),

		WalletJWTSecret:    getEnv("WALLET_JWT_SECRET", ""),
		DoctorDirectory:    getEnv("DOCTOR_DIRECTORY", ""),
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),

		UseMemoryQueue:         getEnvAsBool("USE_MEMORY_QUEUE", false),
		RefundQueueURL:         getEnv("REFUND_QUEUE_URL", ""),
		RefundMaxAttempts:      getEnvAsInt("REFUND_MAX_ATTEMPTS", 5),
		RefundDispatchInterval: getEnvAsDuration("REFUND_DISPATCH_INTERVAL", 5*time.Second),
		WorkerCount:            getEnvAsInt("WORKER_COUNT", 2),

		SubmissionsPerPatientPerHour: getEnvAsInt("SUBMISSIONS_PER_PATIENT_PER_HOUR", 10),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:  getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:   getEnv("SENDGRID_FROM_NAME", "HCOIN Appointments"),
		SESFromEmail:       getEnv("SES_FROM_EMAIL", ""),
		OperatorAlertEmail: getEnv("OPERATOR_ALERT_EMAIL", ""),
	}
}

// FeePolicy converts the fee settings into a feepolicy.Config.
func (c *Config) FeePolicy() (feepolicy.Config, error) {
	cfg := feepolicy.DefaultConfig()
	fee, err := coin.Parse(c.MinAppointmentFee)
	if err != nil {
		return cfg, fmt.Errorf("config: MIN_APPOINTMENT_FEE: %w", err)
	}
	cfg.BaseFee = fee
	for name, m := range c.SpecializationMultipliers {
		s, err := feepolicy.ParseSpecialization(name)
		if err != nil {
			return cfg, fmt.Errorf("config: SPECIALIZATION_MULTIPLIERS: %w", err)
		}
		cfg.Multipliers[s] = m
	}
	cfg.EarlyRefundPct = c.EarlyCancellationRefundPct
	cfg.LateRefundPct = c.LateCancellationRefundPct
	cfg.CancellationThreshold = time.Duration(c.CancellationThresholdHours) * time.Hour
	return cfg, nil
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var errs []error
	if fp, err := c.FeePolicy(); err != nil {
		errs = append(errs, err)
	} else if _, err := feepolicy.New(fp); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if c.LedgerCallTimeout <= 0 {
		errs = append(errs, errors.New("config: LEDGER_CALL_TIMEOUT_SECONDS must be positive"))
	}
	if c.MaxPendingPerDoctor <= 0 {
		errs = append(errs, errors.New("config: MAX_PENDING_PER_DOCTOR must be positive"))
	}
	if c.MaxActivePerPatient <= 0 {
		errs = append(errs, errors.New("config: MAX_ACTIVE_PER_PATIENT must be positive"))
	}
	if c.ApprovalWindow <= 0 {
		errs = append(errs, errors.New("config: APPROVAL_WINDOW must be positive"))
	}
	if c.RefundMaxAttempts <= 0 {
		errs = append(errs, errors.New("config: REFUND_MAX_ATTEMPTS must be positive"))
	}
	if c.Env == "production" {
		if c.WalletJWTSecret == "" {
			errs = append(errs, errors.New("config: WALLET_JWT_SECRET required in production"))
		}
		if c.LedgerBaseURL == "" {
			errs = append(errs, errors.New("config: LEDGER_BASE_URL required in production"))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL required in production"))
		}
	}
	if !c.UseMemoryQueue && c.RefundQueueURL == "" && c.Env == "production" {
		errs = append(errs, errors.New("config: REFUND_QUEUE_URL required unless USE_MEMORY_QUEUE"))
	}
	return errors.Join(errs...)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsFloatMap parses "Cardiology=1.5,Oncology=2". Malformed pairs are skipped.
func getEnvAsFloatMap(key string) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range strings.Split(getEnv(key, ""), ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if name == "" || err != nil {
			continue
		}
		out[name] = v
	}
	return out
}
