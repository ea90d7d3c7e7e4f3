package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// RecordCount is the answer of CountRecords.
type RecordCount struct {
	Count  int64  `json:"count"`
	Model  string `json:"model"`
	Domain []any  `json:"domain"`
}

// CountRecords counts the records of model matching domain.
func CountRecords(ctx context.Context, c Client, model string, domain []any) (*RecordCount, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if domain == nil {
		domain = []any{}
	}
	count, err := c.SearchCount(ctx, model, domain)
	if err != nil {
		return nil, err
	}
	return &RecordCount{Count: count, Model: model, Domain: domain}, nil
}

// ParseDomain decodes a JSON search domain. A missing or null domain matches
// every record; anything other than an array is ErrInvalidDomain.
func ParseDomain(raw json.RawMessage) ([]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []any{}, nil
	}
	var domain []any
	if err := json.Unmarshal(trimmed, &domain); err != nil {
		return nil, ErrInvalidDomain
	}
	return domain, nil
}
