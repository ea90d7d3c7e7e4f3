package odoo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo/odootest"
)

func newTestSession(srv *odootest.Server) *Session {
	return NewSession(NewConnection(srv.URL, odootest.DefaultDatabase, odootest.DefaultUsername, odootest.DefaultPassword))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"erp.example.com", "https://erp.example.com"},
		{"  http://localhost:8069/ ", "http://localhost:8069"},
		{"https://erp.example.com/", "https://erp.example.com"},
		{"https://erp.example.com", "https://erp.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConnectionValidate(t *testing.T) {
	conn := NewConnection("erp.example.com", "db", "admin", "")
	err := conn.Validate()
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	conn.Password = "pw"
	if err := conn.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthenticateIsIdempotent(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()

	s := newTestSession(srv)
	first, err := s.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	second, err := s.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
	if first != second || first != odootest.DefaultUID {
		t.Fatalf("expected uid %d twice, got %d and %d", odootest.DefaultUID, first, second)
	}
	if srv.LoginCalls() != 1 {
		t.Fatalf("expected exactly one login call, got %d", srv.LoginCalls())
	}
}

func TestAuthenticateConcurrentSingleLogin(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()

	s := newTestSession(srv)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Authenticate(context.Background()); err != nil {
				t.Errorf("authenticate: %v", err)
			}
		}()
	}
	wg.Wait()

	if srv.LoginCalls() != 1 {
		t.Fatalf("expected one login call, got %d", srv.LoginCalls())
	}
}

func TestAuthenticateBadCredentials(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()

	s := NewSession(NewConnection(srv.URL, odootest.DefaultDatabase, odootest.DefaultUsername, "wrong"))
	_, err := s.Authenticate(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if _, ok := s.UID(); ok {
		t.Fatal("uid must not be cached after a failed login")
	}
}

func TestInvokeAuthenticatesLazily(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()
	srv.Handle("res.partner", "search_count", func(args []any, kwargs map[string]any) (any, error) {
		return 42, nil
	})

	s := newTestSession(srv)
	count, err := s.SearchCount(context.Background(), "res.partner", []any{[]any{"is_company", "=", true}})
	if err != nil {
		t.Fatalf("search_count: %v", err)
	}
	if count != 42 {
		t.Fatalf("expected 42, got %d", count)
	}
	calls := srv.Calls()
	if len(calls) != 2 || calls[0] != "common.login" || calls[1] != "res.partner.search_count" {
		t.Fatalf("unexpected call sequence: %v", calls)
	}
}

func TestInvokeRemoteErrorMessage(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()
	srv.Fail("res.partner", "read", "You are not allowed to access 'Contact' records.")

	s := newTestSession(srv)
	_, err := s.Read(context.Background(), "res.partner", []int64{1}, []string{"name"})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %T: %v", err, err)
	}
	if remoteErr.Message != "You are not allowed to access 'Contact' records." {
		t.Fatalf("unexpected message: %q", remoteErr.Message)
	}
}

func TestInvokeHTTPStatusError(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()

	s := newTestSession(srv)
	if _, err := s.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	srv.FailStatus(http.StatusBadGateway)

	_, err := s.Invoke(context.Background(), "res.partner", "search", nil, nil)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", remoteErr.StatusCode)
	}
	if remoteErr.Error() != "request failed with status 502" {
		t.Fatalf("unexpected message: %q", remoteErr.Error())
	}
}

func TestErrorDetailsFallbacks(t *testing.T) {
	tests := []struct {
		name string
		err  rpcError
		want string
	}{
		{"data message", rpcError{Message: "Odoo Server Error", Data: []byte(`{"message":"boom","debug":"tb"}`)}, "boom"},
		{"data debug", rpcError{Message: "Odoo Server Error", Data: []byte(`{"debug":"tb"}`)}, "tb"},
		{"data json", rpcError{Message: "Odoo Server Error", Data: []byte(`{"name":"x"}`)}, `{"name":"x"}`},
		{"message", rpcError{Message: "Odoo Server Error"}, "Odoo Server Error"},
		{"empty", rpcError{}, "Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.details(); got != tt.want {
				t.Fatalf("details() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDsIncreasePerSession(t *testing.T) {
	var mu sync.Mutex
	var ids []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"server_version":"17.0","server_version_info":[17,0,0,"final",0,""]}}`))
	}))
	defer srv.Close()

	a := NewSession(NewConnection(srv.URL, "db", "u", "p"))
	b := NewSession(NewConnection(srv.URL, "db", "u", "p"))
	for i := 0; i < 2; i++ {
		if _, err := a.ServerVersion(context.Background()); err != nil {
			t.Fatalf("version: %v", err)
		}
	}
	if _, err := b.ServerVersion(context.Background()); err != nil {
		t.Fatalf("version: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int64{1, 2, 1}
	if len(ids) != len(want) {
		t.Fatalf("request ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("request ids = %v, want %v", ids, want)
		}
	}
}

func TestSearchAcceptsSingleID(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()
	srv.Handle("ir.model", "search", func(args []any, kwargs map[string]any) (any, error) {
		return 9, nil
	})

	ids, err := newTestSession(srv).Search(context.Background(), "ir.model", nil, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("expected [9], got %v", ids)
	}
}

func TestGetParamMissing(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()
	srv.SetParam("present", "value")

	s := newTestSession(srv)
	if _, ok, err := s.GetParam(context.Background(), "absent"); err != nil || ok {
		t.Fatalf("expected absent without error, got ok=%v err=%v", ok, err)
	}
	v, ok, err := s.GetParam(context.Background(), "present")
	if err != nil || !ok || v != "value" {
		t.Fatalf("expected value, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestIDsOf(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []int64
	}{
		{"nil", nil, []int64{}},
		{"false", false, []int64{}},
		{"flat", []any{float64(1), float64(2)}, []int64{1, 2}},
		{"pairs", []any{[]any{float64(3), "Sales"}, []any{float64(4), "Admin"}}, []int64{3, 4}},
		{"single", float64(5), []int64{5}},
		{"garbage", []any{"x", float64(6)}, []int64{6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IDsOf(tt.value)
			if len(got) != len(tt.want) {
				t.Fatalf("IDsOf(%v) = %v, want %v", tt.value, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("IDsOf(%v) = %v, want %v", tt.value, got, tt.want)
				}
			}
		})
	}
}

func TestParseServerVersion(t *testing.T) {
	tests := []struct {
		raw   string
		major uint64
	}{
		{"17.0", 17},
		{"16.0+e", 16},
		{"saas~17.2", 17},
	}
	for _, tt := range tests {
		v, err := ParseServerVersion(tt.raw)
		if err != nil {
			t.Fatalf("ParseServerVersion(%q): %v", tt.raw, err)
		}
		if v.Major() != tt.major {
			t.Fatalf("ParseServerVersion(%q) major = %d, want %d", tt.raw, v.Major(), tt.major)
		}
	}
	if _, err := ParseServerVersion("master"); err == nil {
		t.Fatal("expected error for unparseable version")
	}
}
