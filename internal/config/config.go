package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// HTTP Server Configuration
	HTTPPort int

	// Database Configuration
	DatabaseURL string

	// ConnectWise Manage API
	CWBaseURL    string
	CWCompany    string
	CWPublicKey  string
	CWPrivateKey string
	CWClientID   string

	// Ticket settings
	ServiceBoard        string
	StatusNew           string
	StatusClosed        string
	TicketSummaryPrefix string
	DefaultCompanyID    string
	CompanyMapFile      string

	// Webhook protection
	WebhookSecrets    []string
	TrustedSources    []*net.IPNet
	TrustProxyHeaders bool

	// Dispatch pipeline
	RateLimitPerMinute int
	MaxWorkers         int
	TaskMaxAttempts    int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	VisibilityTimeout  time.Duration

	// Retention
	EpisodeRetentionDays int

	// Ops API authentication
	AdminUsername  string
	AdminPassword  string
	JWTSecret      string
	JWTExpiryHours int

	// Operator notifications
	SlackToken         string
	SlackAlertsChannel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPPort = getEnvAsIntOrDefault("HTTP_PORT", 8080)
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "kumawise.db")

	cfg.CWBaseURL = getEnvOrDefault("CW_URL", "https://api-na.myconnectwise.net/v4_6_release/apis/3.0")
	cfg.CWCompany = os.Getenv("CW_COMPANY")
	cfg.CWPublicKey = os.Getenv("CW_PUBLIC_KEY")
	cfg.CWPrivateKey = os.Getenv("CW_PRIVATE_KEY")
	cfg.CWClientID = os.Getenv("CW_CLIENT_ID")

	cfg.ServiceBoard = getEnvOrDefault("CW_SERVICE_BOARD", "Service Board")
	cfg.StatusNew = getEnvOrDefault("CW_STATUS_NEW", "New")
	cfg.StatusClosed = getEnvOrDefault("CW_STATUS_CLOSED", "Closed")
	cfg.TicketSummaryPrefix = getEnvOrDefault("TICKET_SUMMARY_PREFIX", "Uptime Kuma Alert:")
	cfg.DefaultCompanyID = os.Getenv("CW_DEFAULT_COMPANY_ID")
	cfg.CompanyMapFile = os.Getenv("COMPANY_MAP_FILE")

	cfg.WebhookSecrets = splitList(os.Getenv("WEBHOOK_SECRETS"))
	cfg.TrustProxyHeaders = getEnvAsBoolOrDefault("TRUST_PROXY_HEADERS", false)

	trusted, err := parseTrustedSources(os.Getenv("TRUSTED_SOURCES"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_SOURCES: %w", err)
	}
	cfg.TrustedSources = trusted

	cfg.RateLimitPerMinute = getEnvAsIntOrDefault("RATE_LIMIT_PER_MINUTE", 60)
	cfg.MaxWorkers = getEnvAsIntOrDefault("MAX_WORKERS", 4)
	cfg.TaskMaxAttempts = getEnvAsIntOrDefault("TASK_MAX_ATTEMPTS", 8)
	cfg.RetryBaseDelay = time.Duration(getEnvAsIntOrDefault("RETRY_BASE_DELAY_SEC", 5)) * time.Second
	cfg.RetryMaxDelay = time.Duration(getEnvAsIntOrDefault("RETRY_MAX_DELAY_SEC", 600)) * time.Second
	cfg.VisibilityTimeout = time.Duration(getEnvAsIntOrDefault("VISIBILITY_TIMEOUT_SEC", 120)) * time.Second

	cfg.EpisodeRetentionDays = getEnvAsIntOrDefault("EPISODE_RETENTION_DAYS", 90)

	cfg.AdminUsername = getEnvOrDefault("ADMIN_USERNAME", "admin")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD") // No default - ops API disabled when unset
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTExpiryHours = getEnvAsIntOrDefault("JWT_EXPIRY_HOURS", 24)

	cfg.SlackToken = os.Getenv("SLACK_TOKEN")
	cfg.SlackAlertsChannel = os.Getenv("SLACK_ALERTS_CHANNEL")

	if cfg.RateLimitPerMinute <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("MAX_WORKERS must be positive, got %d", cfg.MaxWorkers)
	}

	return cfg, nil
}

// parseTrustedSources parses a comma-separated list of IPs and CIDR ranges.
// Bare IPs are treated as single-host networks.
func parseTrustedSources(raw string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range splitList(raw) {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// splitList splits a comma-separated env value, trimming whitespace and dropping empties
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault returns the value of an environment variable as an integer or a default value
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault returns the value of an environment variable as a bool or a default value
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
