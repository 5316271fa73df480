package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"0x00000000000000000000000000000000000000a1", true},
		{"0.0.12345", true},
		{"0x123", false},
		{"0x00000000000000000000000000000000000000A1", false},
		{"alice", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidAddress(tt.addr); got != tt.want {
			t.Fatalf("ValidAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = WalletFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/pool/status", nil)
	req.Header.Set(WalletHeaderName, "  0x00000000000000000000000000000000000000A1 ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if seen != "0x00000000000000000000000000000000000000a1" {
		t.Fatalf("wallet = %q, want normalised address", seen)
	}

	seen = "unset"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pool/status", nil))
	if rec.Code != http.StatusNoContent || seen != "" {
		t.Fatalf("anonymous request: status %d wallet %q", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/pool/status", nil)
	req.Header.Set(WalletHeaderName, "bob")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	v := NewStaticVerifier([]string{"0x00000000000000000000000000000000000000A1", " "})
	ok, err := v.IsVerified(context.Background(), "0x00000000000000000000000000000000000000a1")
	if err != nil || !ok {
		t.Fatalf("expected verified, got %v %v", ok, err)
	}
	ok, _ = v.IsVerified(context.Background(), "0x00000000000000000000000000000000000000b2")
	if ok {
		t.Fatal("unknown wallet verified")
	}
	if ok, _ := (AllowAll{}).IsVerified(context.Background(), "anything"); !ok {
		t.Fatal("AllowAll rejected a wallet")
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := IPFromRequest(req); got != "10.0.0.7" {
		t.Fatalf("IPFromRequest = %q", got)
	}
	req.RemoteAddr = "10.0.0.8"
	if got := IPFromRequest(req); got != "10.0.0.8" {
		t.Fatalf("IPFromRequest without port = %q", got)
	}
}
