package odoo

import (
	"strings"
)

// Connection holds the parameters needed to reach one Odoo database.
// Build it with NewConnection so the URL is normalized exactly once.
type Connection struct {
	URL      string `json:"url"`
	Database string `json:"db"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewConnection returns a Connection with a normalized endpoint URL.
func NewConnection(url, database, username, password string) Connection {
	return Connection{
		URL:      NormalizeURL(url),
		Database: database,
		Username: username,
		Password: password,
	}
}

// NormalizeURL trims whitespace, defaults the scheme to https and strips one
// trailing slash.
func NormalizeURL(raw string) string {
	normalized := strings.TrimSpace(raw)
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		normalized = "https://" + normalized
	}
	return strings.TrimSuffix(normalized, "/")
}

// Validate reports whether every field required to log in is present.
func (c Connection) Validate() error {
	switch {
	case strings.TrimSpace(c.URL) == "":
		return errMissingField("url")
	case strings.TrimSpace(c.Database) == "":
		return errMissingField("db")
	case strings.TrimSpace(c.Username) == "":
		return errMissingField("username")
	case c.Password == "":
		return errMissingField("password")
	}
	return nil
}

// Key identifies the remote database behind this connection. Two connections
// with the same key share server-side metadata such as model ids.
func (c Connection) Key() string {
	return c.URL + "|" + c.Database
}
