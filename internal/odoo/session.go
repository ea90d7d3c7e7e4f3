// Package odoo is a small JSON-RPC client for the Odoo external API.
//
// A Session logs in lazily, caches the resulting uid for its lifetime and
// exposes execute_kw as Invoke. Sessions are cheap and meant to be created per
// logical operation; concurrent callers should each hold their own.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	serviceCommon = "common"
	serviceObject = "object"

	defaultRequestTimeout = 30 * time.Second
)

// Session is an authenticated conversation with one Odoo database.
type Session struct {
	conn   Connection
	client *http.Client
	logger *zap.Logger

	authMu sync.Mutex
	uid    atomic.Int64

	requestID atomic.Int64
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient overrides the HTTP client used for RPC calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		if client != nil {
			s.client = client
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRequestTimeout sets the per-request timeout of the default HTTP client.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.client = &http.Client{Timeout: timeout}
		}
	}
}

// NewSession creates a session for conn. No network call is made until the
// first Authenticate or Invoke.
func NewSession(conn Connection, opts ...Option) *Session {
	s := &Session{
		conn:   conn,
		client: &http.Client{Timeout: defaultRequestTimeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connection returns the connection parameters of the session.
func (s *Session) Connection() Connection {
	return s.conn
}

// UID returns the cached uid, if login already succeeded.
func (s *Session) UID() (int64, bool) {
	uid := s.uid.Load()
	return uid, uid > 0
}

// Authenticate logs in unless a uid is already cached. Concurrent callers are
// serialized so only one login call is issued per session.
func (s *Session) Authenticate(ctx context.Context) (int64, error) {
	if uid, ok := s.UID(); ok {
		return uid, nil
	}

	s.authMu.Lock()
	defer s.authMu.Unlock()

	if uid, ok := s.UID(); ok {
		return uid, nil
	}

	raw, err := s.call(ctx, serviceCommon, "login", []any{s.conn.Database, s.conn.Username, s.conn.Password})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	uid, ok := decodeID(raw)
	if !ok {
		return 0, ErrAuthentication
	}

	s.uid.Store(uid)
	s.logger.Debug("odoo login succeeded",
		zap.String("url", s.conn.URL),
		zap.String("db", s.conn.Database),
		zap.Int64("uid", uid),
	)
	return uid, nil
}

// Invoke calls model.method through execute_kw, logging in first if needed.
func (s *Session) Invoke(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	uid, err := s.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	return s.call(ctx, serviceObject, "execute_kw", []any{
		s.conn.Database,
		uid,
		s.conn.Password,
		model,
		method,
		args,
		kwargs,
	})
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *Session) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      s.requestID.Add(1),
		Method:  "call",
		Params: rpcParams{
			Service: service,
			Method:  method,
			Args:    args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.conn.URL+"/jsonrpc", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.conn.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("request failed with status %d", resp.StatusCode),
		}
	}

	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid json-rpc envelope: %w", ErrUnexpectedResponse, err)
	}
	if parsed.Error != nil {
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       parsed.Error.Code,
			Message:    parsed.Error.details(),
		}
	}

	return parsed.Result, nil
}

// details picks the most specific message Odoo put in the error envelope.
func (e *rpcError) details() string {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		var data map[string]any
		if err := json.Unmarshal(e.Data, &data); err == nil {
			if msg, ok := data["message"].(string); ok && msg != "" {
				return msg
			}
			if debug, ok := data["debug"].(string); ok && debug != "" {
				return debug
			}
		}
		return string(e.Data)
	}
	if e.Message != "" {
		return e.Message
	}
	return "Error"
}
