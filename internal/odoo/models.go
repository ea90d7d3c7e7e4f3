package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Record is one row as returned by read or search_read.
type Record map[string]any

// InvokeInto calls Invoke and decodes the result into out.
func (s *Session) InvokeInto(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	raw, err := s.Invoke(ctx, model, method, args, kwargs)
	if err != nil {
		return err
	}
	if err := decodeJSON(raw, out); err != nil {
		return fmt.Errorf("%w: %s.%s: %w", ErrUnexpectedResponse, model, method, err)
	}
	return nil
}

// Search returns the ids of model records matching domain. A limit of zero
// means no limit.
func (s *Session) Search(ctx context.Context, model string, domain []any, limit int) ([]int64, error) {
	kwargs := map[string]any{}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	raw, err := s.Invoke(ctx, model, "search", []any{nonNilDomain(domain)}, kwargs)
	if err != nil {
		return nil, err
	}
	ids, ok := decodeIDs(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %s.search returned %s", ErrUnexpectedResponse, model, truncate(raw))
	}
	return ids, nil
}

// SearchCount returns the number of model records matching domain.
func (s *Session) SearchCount(ctx context.Context, model string, domain []any) (int64, error) {
	raw, err := s.Invoke(ctx, model, "search_count", []any{nonNilDomain(domain)}, nil)
	if err != nil {
		return 0, err
	}
	count, ok := decodeInt(raw)
	if !ok {
		return 0, fmt.Errorf("%w: invalid response from server", ErrUnexpectedResponse)
	}
	return count, nil
}

// SearchRead returns the requested fields of matching records.
func (s *Session) SearchRead(ctx context.Context, model string, domain []any, fields []string, order string) ([]Record, error) {
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	if order != "" {
		kwargs["order"] = order
	}
	var records []Record
	if err := s.InvokeInto(ctx, model, "search_read", []any{nonNilDomain(domain)}, kwargs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Read returns the requested fields of the given records.
func (s *Session) Read(ctx context.Context, model string, ids []int64, fields []string) ([]Record, error) {
	if len(ids) == 0 {
		return []Record{}, nil
	}
	kwargs := map[string]any{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	var records []Record
	if err := s.InvokeInto(ctx, model, "read", []any{ids}, kwargs, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Create inserts one record and returns its id.
func (s *Session) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	raw, err := s.Invoke(ctx, model, "create", []any{values}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := decodeID(raw)
	if !ok {
		return 0, fmt.Errorf("%w: %s.create returned %s", ErrUnexpectedResponse, model, truncate(raw))
	}
	return id, nil
}

// Unlink deletes the given records.
func (s *Session) Unlink(ctx context.Context, model string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.Invoke(ctx, model, "unlink", []any{ids}, nil)
	return err
}

// GetParam reads an ir.config_parameter value. The boolean is false when the
// key does not exist or holds an empty value.
func (s *Session) GetParam(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.Invoke(ctx, "ir.config_parameter", "get_param", []any{key}, map[string]any{"default": false})
	if err != nil {
		return "", false, err
	}
	var value any
	if err := decodeJSON(raw, &value); err != nil {
		return "", false, fmt.Errorf("%w: get_param: %w", ErrUnexpectedResponse, err)
	}
	str, ok := value.(string)
	if !ok || str == "" {
		return "", false, nil
	}
	return str, true, nil
}

func nonNilDomain(domain []any) []any {
	if domain == nil {
		return []any{}
	}
	return domain
}

func decodeJSON(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// decodeInt accepts a JSON integer.
func decodeInt(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if err := decodeJSON(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodeID accepts a positive JSON integer. Odoo answers false where an id
// was expected when an operation did not produce one.
func decodeID(raw json.RawMessage) (int64, bool) {
	id, ok := decodeInt(raw)
	if !ok || id <= 0 {
		return 0, false
	}
	return id, true
}

// decodeIDs accepts either a list of integers or a single integer.
func decodeIDs(raw json.RawMessage) ([]int64, bool) {
	if id, ok := decodeID(raw); ok {
		return []int64{id}, true
	}
	var values []json.Number
	if err := decodeJSON(raw, &values); err != nil {
		return nil, false
	}
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := v.Int64()
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// IDOf extracts a record id from a plain number or a many2one [id, name] pair.
func IDOf(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return id, true
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case []any:
		if len(v) == 0 {
			return 0, false
		}
		return IDOf(v[0])
	default:
		return 0, false
	}
}

// IDsOf normalizes a many2many value into a list of ids. Both [1, 2] and
// [[1, "a"], [2, "b"]] shapes are accepted; unparseable items are skipped.
func IDsOf(value any) []int64 {
	switch v := value.(type) {
	case nil, bool:
		return []int64{}
	case []any:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			if id, ok := IDOf(item); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		if id, ok := IDOf(v); ok {
			return []int64{id}
		}
		return []int64{}
	}
}

func truncate(raw json.RawMessage) string {
	const max = 120
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
