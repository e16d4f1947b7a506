package httpserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:3000"
	defaultJWTIssuer     = "synter"
	defaultSessionCookie = "synter_session"
	defaultUpgradeURL    = "/credits"
	defaultAdminRole     = "admin"

	shutdownTimeout = 5 * time.Second
)

// Config aggregates runtime settings for the credit API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	JWTSigningKey     string
	JWTIssuer         string
	SessionCookieName string
	WebhookSecret     string
	UpgradeURL        string
	AdminRole         string
	// PackagePriceRefs maps catalog package ids to payment-provider price
	// ids. Configuration, not catalog data, so the catalog stays free of
	// provider secrets.
	PackagePriceRefs map[string]string
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.UpgradeURL = defaultIfEmpty(cfg.UpgradeURL, defaultUpgradeURL)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
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

// ParsePriceRefs parses comma-delimited package_id=price_ref pairs.
func ParsePriceRefs(raw string) map[string]string {
	refs := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			continue
		}
		refs[pair[0]] = pair[1]
	}
	return refs
}
