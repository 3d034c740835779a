package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// WhatsApp gateway config
	WhatsAppBaseURL     string
	WhatsAppAPIToken    string
	WhatsAppSenderID    string
	WhatsAppCountryCode string // prepended to 10-digit local numbers
	WhatsAppTimeout     int    // HTTP timeout in seconds

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Dispatcher config
	BatchSize             int
	Workers               int
	PollInterval          time.Duration
	SweepInterval         time.Duration
	SweepCooldown         time.Duration
	SweepLimit            int
	MaxRequeues           int
	ClaimTimeout          time.Duration
	ReportInterimFailures bool

	// Rate limiting (requests per minute per customer)
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "courier",
		DBPassword: "",
		DBName:     "courier",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		// WhatsApp defaults; the gateway URL and token have no useful
		// defaults and must come from the environment
		WhatsAppCountryCode: "91",
		WhatsAppTimeout:     30,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@meridianbrokers.local",

		BatchSize:          50,
		Workers:            4,
		PollInterval:       time.Minute,
		SweepInterval:      5 * time.Minute,
		SweepCooldown:      15 * time.Minute,
		SweepLimit:         20,
		MaxRequeues:        1,
		ClaimTimeout:       5 * time.Minute,
		RateLimitPerMinute: 120,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// WhatsApp gateway config
	if url := os.Getenv("WA_API_BASE_URL"); url != "" {
		cfg.WhatsAppBaseURL = url
	}

	if token := os.Getenv("WA_API_TOKEN"); token != "" {
		cfg.WhatsAppAPIToken = token
	}

	if sender := os.Getenv("WA_SENDER_ID"); sender != "" {
		cfg.WhatsAppSenderID = sender
	}

	if code := os.Getenv("WA_COUNTRY_CODE"); code != "" {
		cfg.WhatsAppCountryCode = code
	}

	if timeout := os.Getenv("WA_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WA_TIMEOUT: %w", err)
		}
		cfg.WhatsAppTimeout = t
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Dispatcher config
	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if workers := os.Getenv("DISPATCH_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_WORKERS: %w", err)
		}
		cfg.Workers = n
	}

	if interval := os.Getenv("DISPATCH_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	if cooldown := os.Getenv("SWEEP_COOLDOWN"); cooldown != "" {
		d, err := time.ParseDuration(cooldown)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_COOLDOWN: %w", err)
		}
		cfg.SweepCooldown = d
	}

	if limit := os.Getenv("SWEEP_LIMIT"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_LIMIT: %w", err)
		}
		cfg.SweepLimit = n
	}

	if requeues := os.Getenv("MAX_REQUEUES"); requeues != "" {
		n, err := strconv.Atoi(requeues)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_REQUEUES: %w", err)
		}
		cfg.MaxRequeues = n
	}

	if timeout := os.Getenv("CLAIM_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_TIMEOUT: %w", err)
		}
		cfg.ClaimTimeout = d
	}

	if report := os.Getenv("REPORT_INTERIM_FAILURES"); report != "" {
		b, err := strconv.ParseBool(report)
		if err != nil {
			return nil, fmt.Errorf("invalid REPORT_INTERIM_FAILURES: %w", err)
		}
		cfg.ReportInterimFailures = b
	}

	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimitPerMinute = n
	}

	return cfg, nil
}
