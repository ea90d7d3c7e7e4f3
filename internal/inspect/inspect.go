// Package inspect implements read-only inspection of an Odoo database over
// JSON-RPC: record counts, installed modules, and the model access rights a
// user holds through their groups.
package inspect

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInvalidDomain = errors.New("domain must be an array")
)

// Client is the part of odoo.Session used by inspections.
type Client interface {
	Connection() odoo.Connection
	Authenticate(ctx context.Context) (int64, error)
	Search(ctx context.Context, model string, domain []any, limit int) ([]int64, error)
	SearchCount(ctx context.Context, model string, domain []any) (int64, error)
	SearchRead(ctx context.Context, model string, domain []any, fields []string, order string) ([]odoo.Record, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) ([]odoo.Record, error)
}

// UserRef identifies a res.users record.
type UserRef struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Login string `json:"login"`
}

func stringOf(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

func stringOr(value any, fallback string) string {
	if s, ok := stringOf(value); ok {
		return s
	}
	return fallback
}

func boolOf(value any) bool {
	b, ok := value.(bool)
	return ok && b
}

// many2oneName returns the display name of a many2one [id, name] pair.
func many2oneName(value any) (string, bool) {
	pair, ok := value.([]any)
	if !ok || len(pair) < 2 {
		return "", false
	}
	return stringOf(pair[1])
}

func countOf(value any) int {
	switch v := value.(type) {
	case []any:
		return len(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
