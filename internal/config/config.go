// Package config loads rcprobe and rcadmin configuration from environment
// variables, an optional .env file and CLI flag overrides, validates it, and
// fills defaults.
//
// Flags are owned by the commands; they write into the structs returned here
// before calling Validate.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kuitang/rcprobe/internal/artifacts"
	"github.com/kuitang/rcprobe/internal/probe"
)

const (
	DefaultBaseURL       = "http://localhost:3000"
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "admin"
	DefaultMinBodyLength = 51

	DriverHTTP       = "http"
	DriverPlaywright = "playwright"
)

// Probe configures a probe run.
type Probe struct {
	// Target
	BaseURL       string // RCPROBE_BASE_URL
	AdminUsername string // RCPROBE_ADMIN_USERNAME
	AdminPassword string // RCPROBE_ADMIN_PASSWORD
	TOTPSecret    string // RCPROBE_ADMIN_TOTP_SECRET
	TOTPLookahead int    // RCPROBE_TOTP_LOOKAHEAD: match the server's MaxDelta
	MarketingURL  string // RCPROBE_MARKETING_URL

	// Assertion timing
	Timeout       time.Duration // RCPROBE_TIMEOUT
	Interval      time.Duration // RCPROBE_INTERVAL
	MinBodyLength int           // RCPROBE_MIN_BODY_LENGTH

	// Driver
	Driver   string // RCPROBE_DRIVER: http or playwright
	Headless bool   // RCPROBE_HEADLESS

	// Artifacts: a local directory, or S3 when S3.Bucket is set.
	ArtifactDir string // RCPROBE_ARTIFACT_DIR
	S3          artifacts.S3Config

	LogLevel string // RCPROBE_LOG_LEVEL
}

// Admin configures the reference admin server.
type Admin struct {
	ListenAddr   string // RCADMIN_LISTEN_ADDR
	BaseURL      string // RCADMIN_BASE_URL
	DatabasePath string // RCADMIN_DATABASE_PATH; empty keeps everything in memory
	MasterKey    string // RCADMIN_MASTER_KEY, 64 hex characters

	AdminUsername   string // RCADMIN_ADMIN_USERNAME
	AdminPassword   string // RCADMIN_ADMIN_PASSWORD
	AdminEmail      string // RCADMIN_ADMIN_EMAIL
	AdminTOTPSecret string // RCADMIN_ADMIN_TOTP_SECRET

	// NoEmail captures mailer output instead of sending through Resend.
	NoEmail         bool
	ResendAPIKey    string // RESEND_API_KEY
	ResendFromEmail string // RESEND_FROM_EMAIL

	LogLevel string // RCADMIN_LOG_LEVEL
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// LoadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadProbe reads the probe configuration from the environment. Call
// Validate after applying flag overrides.
func LoadProbe() *Probe {
	cfg := &Probe{
		BaseURL:       strings.TrimRight(getEnvOrDefault("RCPROBE_BASE_URL", DefaultBaseURL), "/"),
		AdminUsername: getEnvOrDefault("RCPROBE_ADMIN_USERNAME", DefaultAdminUsername),
		AdminPassword: getEnvOrDefault("RCPROBE_ADMIN_PASSWORD", DefaultAdminPassword),
		TOTPSecret:    strings.TrimSpace(os.Getenv("RCPROBE_ADMIN_TOTP_SECRET")),
		TOTPLookahead: parseIntOrDefault("RCPROBE_TOTP_LOOKAHEAD", 1),
		MarketingURL:  strings.TrimSpace(os.Getenv("RCPROBE_MARKETING_URL")),

		Timeout:       parseDurationOrDefault("RCPROBE_TIMEOUT", probe.DefaultTimeout),
		Interval:      parseDurationOrDefault("RCPROBE_INTERVAL", probe.DefaultInterval),
		MinBodyLength: parseIntOrDefault("RCPROBE_MIN_BODY_LENGTH", DefaultMinBodyLength),

		Driver:   strings.ToLower(getEnvOrDefault("RCPROBE_DRIVER", DriverHTTP)),
		Headless: parseBoolOrDefault("RCPROBE_HEADLESS", true),

		ArtifactDir: strings.TrimSpace(os.Getenv("RCPROBE_ARTIFACT_DIR")),
		S3: artifacts.S3Config{
			Endpoint:        strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3")),
			Region:          getEnvOrDefault("AWS_REGION", "us-east-1"),
			AccessKeyID:     strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")),
			Bucket:          strings.TrimSpace(os.Getenv("RCPROBE_ARTIFACT_BUCKET")),
			Prefix:          getEnvOrDefault("RCPROBE_ARTIFACT_PREFIX", "rcprobe"),
			PublicURL:       strings.TrimSpace(os.Getenv("S3_PUBLIC_URL")),
			UsePathStyle:    parseBoolOrDefault("AWS_S3_USE_PATH_STYLE", false),
		},

		LogLevel: getEnvOrDefault("RCPROBE_LOG_LEVEL", "info"),
	}
	return cfg
}

// Validate checks ranges and required values.
func (c *Probe) Validate() error {
	var problems []string

	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("RCPROBE_BASE_URL %q must be an absolute http(s) URL", c.BaseURL))
	}
	if c.AdminUsername == "" {
		problems = append(problems, "RCPROBE_ADMIN_USERNAME is required")
	}
	if c.Timeout <= 0 || c.Timeout > probe.MaxTimeout {
		problems = append(problems, fmt.Sprintf("RCPROBE_TIMEOUT must be between 0 and %s", probe.MaxTimeout))
	}
	if c.Interval <= 0 {
		problems = append(problems, "RCPROBE_INTERVAL must be positive")
	} else if c.Interval > c.Timeout {
		problems = append(problems, "RCPROBE_INTERVAL must not exceed RCPROBE_TIMEOUT")
	}
	if c.MinBodyLength < 0 {
		problems = append(problems, "RCPROBE_MIN_BODY_LENGTH must not be negative")
	}
	if c.TOTPLookahead < 0 {
		problems = append(problems, "RCPROBE_TOTP_LOOKAHEAD must not be negative")
	}
	switch c.Driver {
	case DriverHTTP, DriverPlaywright:
	default:
		problems = append(problems, fmt.Sprintf("RCPROBE_DRIVER %q must be %q or %q", c.Driver, DriverHTTP, DriverPlaywright))
	}
	if c.S3.Bucket != "" && c.ArtifactDir != "" {
		problems = append(problems, "set either RCPROBE_ARTIFACT_DIR or RCPROBE_ARTIFACT_BUCKET, not both")
	}

	if len(problems) > 0 {
		return &ValidationError{Errors: problems}
	}
	return nil
}

// ProbeOptions returns the polling options for assertions.
func (c *Probe) ProbeOptions() probe.Options {
	return probe.Options{Timeout: c.Timeout, Interval: c.Interval}
}

// LoadAdmin reads the admin server configuration from the environment.
func LoadAdmin() *Admin {
	cfg := &Admin{
		ListenAddr:   getEnvOrDefault("RCADMIN_LISTEN_ADDR", ":3000"),
		BaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("RCADMIN_BASE_URL")), "/"),
		DatabasePath: strings.TrimSpace(os.Getenv("RCADMIN_DATABASE_PATH")),
		MasterKey:    strings.TrimSpace(os.Getenv("RCADMIN_MASTER_KEY")),

		AdminUsername:   getEnvOrDefault("RCADMIN_ADMIN_USERNAME", DefaultAdminUsername),
		AdminPassword:   getEnvOrDefault("RCADMIN_ADMIN_PASSWORD", DefaultAdminPassword),
		AdminEmail:      getEnvOrDefault("RCADMIN_ADMIN_EMAIL", "admin@localhost"),
		AdminTOTPSecret: strings.TrimSpace(os.Getenv("RCADMIN_ADMIN_TOTP_SECRET")),

		ResendAPIKey:    strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		ResendFromEmail: getEnvOrDefault("RESEND_FROM_EMAIL", "noreply@localhost"),

		LogLevel: getEnvOrDefault("RCADMIN_LOG_LEVEL", "info"),
	}
	return cfg
}

// Validate checks that all required configuration is present and valid.
// Without a Resend key the server must run with NoEmail.
func (c *Admin) Validate() error {
	var problems []string

	if c.BaseURL == "" {
		c.BaseURL = "http://localhost" + c.ListenAddr
	}
	if c.MasterKey == "" {
		problems = append(problems, "RCADMIN_MASTER_KEY is required (generate with: openssl rand -hex 32)")
	} else if _, err := c.MasterKeyBytes(); err != nil {
		problems = append(problems, "RCADMIN_MASTER_KEY must be 64 hex characters (32 bytes)")
	}
	if c.AdminUsername == "" || c.AdminPassword == "" {
		problems = append(problems, "RCADMIN_ADMIN_USERNAME and RCADMIN_ADMIN_PASSWORD are required")
	}
	if !c.NoEmail && c.ResendAPIKey == "" {
		problems = append(problems, "RESEND_API_KEY is required (set env var or use --no-email)")
	}

	if len(problems) > 0 {
		return &ValidationError{Errors: problems}
	}
	return nil
}

// MasterKeyBytes decodes the hex master key.
func (c *Admin) MasterKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKey)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key is %d bytes, want 32", len(key))
	}
	return key, nil
}

// RequireSecureCookies returns false for localhost development URLs.
func (c *Admin) RequireSecureCookies() bool {
	return !strings.HasPrefix(c.BaseURL, "http://localhost") &&
		!strings.HasPrefix(c.BaseURL, "http://127.0.0.1")
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Admin) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "rcadmin server starting...")
	if c.NoEmail {
		fmt.Fprintln(os.Stderr, "  Email:    Mock (--no-email)")
	} else {
		fmt.Fprintf(os.Stderr, "  Email:    Resend (from: %s)\n", c.ResendFromEmail)
	}
	if c.DatabasePath == "" {
		fmt.Fprintln(os.Stderr, "  Database: in memory")
	} else {
		fmt.Fprintf(os.Stderr, "  Database: %s (encrypted)\n", c.DatabasePath)
	}
	fmt.Fprintf(os.Stderr, "  Admin:    %s (two-factor: %t)\n", c.AdminUsername, c.AdminTOTPSecret != "")
	fmt.Fprintf(os.Stderr, "  Listen:   %s\n", c.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Base:     %s\n", c.BaseURL)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
