package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	CORSAllowedOrigins []string

	// Session auth
	SessionJWTSecret string
	SessionTTL       time.Duration

	// Referral workflow policy
	OverduePendingDays int
	RebookCheckDelay   time.Duration
	WorkerPollInterval time.Duration

	// SendGrid Email Configuration
	SendGridAPIKey      string
	SendGridFromEmail   string
	SendGridFromName    string
	SendGridReplyTo     string
	ClinicLocation      string
	AppointmentDuration time.Duration

	// Voice vendor (outbound rebooking calls)
	VoiceAPIKey        string
	VoiceAgentID       string
	VoiceBaseURL       string
	VoiceWebhookSecret string

	// Google Calendar
	GoogleCredentialsJSON string
	GoogleCalendarID      string

	// Redis (webhook replay cache)
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Public webhook rate limiting
	WebhookRateLimit float64
	WebhookRateBurst int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),

		SessionJWTSecret: getEnv("SESSION_JWT_SECRET", ""),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 12*time.Hour),

		OverduePendingDays: getEnvAsInt("OVERDUE_PENDING_DAYS", 14),
		RebookCheckDelay:   getEnvAsDuration("REBOOK_CHECK_DELAY", 48*time.Hour),
		WorkerPollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Minute),

		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:   getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:    getEnv("SENDGRID_FROM_NAME", "Clinic Notification System"),
		SendGridReplyTo:     getEnv("SENDGRID_REPLY_TO_EMAIL", ""),
		ClinicLocation:      getEnv("CLINIC_LOCATION", ""),
		AppointmentDuration: getEnvAsDuration("APPOINTMENT_DURATION", 60*time.Minute),

		VoiceAPIKey:        getEnv("VOICE_API_KEY", ""),
		VoiceAgentID:       getEnv("VOICE_AGENT_ID", ""),
		VoiceBaseURL:       getEnv("VOICE_BASE_URL", "https://api.elevenlabs.io/v1"),
		VoiceWebhookSecret: getEnv("VOICE_WEBHOOK_SECRET", ""),

		GoogleCredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		GoogleCalendarID:      getEnv("GOOGLE_CALENDAR_ID", "primary"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WebhookRateLimit: getEnvAsFloat("WEBHOOK_RATE_LIMIT", 5),
		WebhookRateBurst: getEnvAsInt("WEBHOOK_RATE_BURST", 20),
	}
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
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
