package apiserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":9090"
	defaultAllowedOrigin = "http://localhost:8000"
	defaultSessionIssuer = "identity"
)

// Config aggregates runtime settings for the API server.
type Config struct {
	ListenAddr           string
	AllowedOrigins       []string
	SessionSigningKey    string
	SessionIssuer        string
	WebhookSigningSecret string
	RequestTimeout       time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookSigningSecret) == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseCommaList splits comma-delimited configuration values into a slice.
func ParseCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseDirectory turns "email=account,email=account" pairs into a map.
func ParseDirectory(raw string) map[string]string {
	directory := make(map[string]string)
	for _, pair := range ParseCommaList(raw) {
		email, accountID, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		email = strings.TrimSpace(email)
		accountID = strings.TrimSpace(accountID)
		if email != "" && accountID != "" {
			directory[email] = accountID
		}
	}
	return directory
}
