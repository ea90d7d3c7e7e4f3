package server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hal-o-swarm/odoo-toolkit/internal/config"
)

// LoadTLSConfig returns nil when TLS is disabled.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// MatchOrigin matches origin against an allowed pattern. Patterns are an
// exact origin, "*", "scheme://host:*" for any port, or
// "scheme://*.domain" for any subdomain.
func MatchOrigin(origin, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case !strings.Contains(pattern, "*"):
		return origin == pattern
	case strings.HasSuffix(pattern, ":*"):
		host := origin
		if idx := strings.LastIndex(origin, ":"); idx > strings.Index(origin, "//") {
			host = origin[:idx]
		}
		return host == strings.TrimSuffix(pattern, ":*")
	}

	for _, scheme := range []string{"https://", "http://"} {
		if !strings.HasPrefix(pattern, scheme+"*.") {
			continue
		}
		if !strings.HasPrefix(origin, scheme) {
			return false
		}
		host := strings.TrimPrefix(origin, scheme)
		suffix := strings.TrimPrefix(pattern, scheme+"*")
		return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
	}
	return false
}

var secretKeys = []string{"password", "token", "secret", "api_key", "credential"}

// IsSecretKey reports whether a field named key must not be written to the
// audit log.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range secretKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

// SanitizeArgs renders v as JSON with every secret field redacted.
func SanitizeArgs(v any) string {
	if v == nil {
		return "{}"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "{}"
	}
	data, err := json.Marshal(sanitizeValue(generic))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if IsSecretKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = sanitizeValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = sanitizeValue(elem)
		}
		return out
	default:
		return v
	}
}
