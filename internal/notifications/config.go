package notifications

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for the billing alerts service
type Config struct {
	// Slack configuration
	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	// Generic webhook configuration
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
	WebhookHeaders map[string]string

	// Retry configuration
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	// Event routing: map event types to channels
	// e.g., {"payment.failed": ["slack", "webhook"]}
	EventRouting map[string][]string

	// General settings
	Enabled         bool
	DeliveryTimeout time.Duration
}

// LoadConfig loads the alerts configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		// Slack
		SlackEnabled:    getEnvBool("ALERTS_SLACK_ENABLED", false),
		SlackWebhookURL: os.Getenv("ALERTS_SLACK_WEBHOOK_URL"),
		SlackChannel:    getEnv("ALERTS_SLACK_CHANNEL", "#billing-alerts"),

		// Generic webhook
		WebhookEnabled: getEnvBool("ALERTS_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("ALERTS_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("ALERTS_WEBHOOK_SECRET"),
		WebhookHeaders: getEnvJSONMap("ALERTS_WEBHOOK_HEADERS"),

		// Retry configuration
		MaxRetries:       getEnvInt("ALERTS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("ALERTS_RETRY_BACKOFF_BASE", 5*time.Second),
		RetryQueueSize:   getEnvInt("ALERTS_RETRY_QUEUE_SIZE", 1000),
		RetryWorkers:     getEnvInt("ALERTS_RETRY_WORKERS", 2),

		// Event routing
		EventRouting: getEnvEventRouting("ALERTS_EVENT_ROUTING"),

		// General settings
		Enabled:         getEnvBool("ALERTS_ENABLED", false),
		DeliveryTimeout: getEnvDuration("ALERTS_DELIVERY_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alerts config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if !c.SlackEnabled && !c.WebhookEnabled {
		return fmt.Errorf("alerts enabled but no channels configured")
	}

	if c.SlackEnabled && c.SlackWebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook URL not provided")
	}

	if c.WebhookEnabled && c.WebhookURL == "" {
		return fmt.Errorf("webhook enabled but URL not provided")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return fmt.Errorf("retry queue size must be positive")
	}

	return nil
}

// GetChannelsForEvent returns the list of channels for a given event type
func (c *Config) GetChannelsForEvent(eventType string) []string {
	if channels, ok := c.EventRouting[eventType]; ok {
		return channels
	}

	// Default: send to all enabled channels
	var channels []string
	if c.SlackEnabled {
		channels = append(channels, "slack")
	}
	if c.WebhookEnabled {
		channels = append(channels, "webhook")
	}

	return channels
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return b
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}

func getEnvJSONMap(key string) map[string]string {
	if value := os.Getenv(key); value != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return make(map[string]string)
		}
		return m
	}
	return make(map[string]string)
}

func getEnvEventRouting(key string) map[string][]string {
	if value := os.Getenv(key); value != "" {
		var routing map[string][]string
		if err := json.Unmarshal([]byte(value), &routing); err != nil {
			return make(map[string][]string)
		}
		return routing
	}
	return make(map[string][]string)
}
