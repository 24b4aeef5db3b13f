package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration
type Config struct {
	// Mailbox configuration
	Email EmailConfig

	// Synthesis.com configuration
	Synthesis SynthesisConfig

	// Storage configuration
	Store StoreConfig

	// Notification configuration
	Notify NotifyConfig

	// Browser automation configuration
	Browser BrowserConfig

	// Study tracking configuration
	Study StudyConfig

	// Debug mode
	Debug bool
}

// EmailConfig contains mailbox connection settings
type EmailConfig struct {
	Server       string
	Port         int
	Username     string
	Password     string
	UseSSL       bool
	SenderFilter bool // filter by sender address; off to support forwarded mail
}

// SynthesisConfig contains Synthesis.com settings
type SynthesisConfig struct {
	Email   string // account email used for passwordless login
	BaseURL string
}

// StoreConfig contains storage settings
type StoreConfig struct {
	DBPath string
}

// NotifyConfig contains reminder settings
type NotifyConfig struct {
	Enabled bool
	Times   []string // "HH:MM" clock times for scheduled reminders
}

// BrowserConfig contains web automation settings
type BrowserConfig struct {
	Headless bool
	Timeout  time.Duration
}

// StudyConfig contains study tracking thresholds
type StudyConfig struct {
	MinimumMinutes int // minimum minutes counted as a real session
	GoalMinutes    int // daily goal, weekly goal is 7x this
}

// Addr returns the host:port of the mail server
func (c *EmailConfig) Addr() string {
	return c.Server + ":" + strconv.Itoa(c.Port)
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		homeDir, _ := os.UserHomeDir()
		dbPath = filepath.Join(homeDir, ".synthtrack", "synthesis_data.db")
	}

	emailPort := 993
	if val := os.Getenv("EMAIL_PORT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			emailPort = parsed
		}
	}

	browserTimeout := 30 * time.Second
	if val := os.Getenv("BROWSER_TIMEOUT"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			browserTimeout = time.Duration(parsed) * time.Second
		}
	}

	minimumMinutes := 15
	if val := os.Getenv("MINIMUM_STUDY_MINUTES"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			minimumMinutes = parsed
		}
	}

	goalMinutes := 30
	if val := os.Getenv("STUDY_GOAL_MINUTES"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			goalMinutes = parsed
		}
	}

	notifyTimes := []string{"09:00", "15:00", "19:00"}
	if val := os.Getenv("NOTIFICATION_TIMES"); val != "" {
		notifyTimes = nil
		for _, t := range strings.Split(val, ",") {
			if t = strings.TrimSpace(t); t != "" {
				notifyTimes = append(notifyTimes, t)
			}
		}
	}

	baseURL := os.Getenv("SYNTHESIS_URL")
	if baseURL == "" {
		baseURL = "https://synthesis.com"
	}

	emailServer := os.Getenv("EMAIL_SERVER")
	if emailServer == "" {
		emailServer = "imap.gmail.com"
	}

	return &Config{
		Email: EmailConfig{
			Server:       emailServer,
			Port:         emailPort,
			Username:     os.Getenv("EMAIL_USERNAME"),
			Password:     os.Getenv("EMAIL_PASSWORD"),
			UseSSL:       envBool("EMAIL_USE_SSL", true),
			SenderFilter: envBool("EMAIL_SENDER_FILTER", false),
		},
		Synthesis: SynthesisConfig{
			Email:   os.Getenv("SYNTHESIS_EMAIL"),
			BaseURL: baseURL,
		},
		Store: StoreConfig{
			DBPath: dbPath,
		},
		Notify: NotifyConfig{
			Enabled: envBool("NOTIFICATION_ENABLED", true),
			Times:   notifyTimes,
		},
		Browser: BrowserConfig{
			Headless: envBool("HEADLESS_BROWSER", true),
			Timeout:  browserTimeout,
		},
		Study: StudyConfig{
			MinimumMinutes: minimumMinutes,
			GoalMinutes:    goalMinutes,
		},
		Debug: os.Getenv("DEBUG") == "true",
	}
}

func envBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return strings.EqualFold(val, "true")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Email.Username == "" || c.Email.Password == "" {
		return &ConfigError{Field: "EMAIL_USERNAME/EMAIL_PASSWORD", Message: "required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
