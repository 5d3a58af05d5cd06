package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseBearer(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"Bearer   abc123  ", "abc123", true},
		{"Bearer ", "", false},
		{"Basic abc123", "", false},
		{"", "", false},
		{"abc123", "", false},
	}
	for _, tc := range cases {
		token, ok := ParseBearer(tc.header)
		if ok != tc.ok || token != tc.token {
			t.Fatalf("%q: got (%q, %v), want (%q, %v)", tc.header, token, ok, tc.token, tc.ok)
		}
	}
}

func TestRequireBearer(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	handler := RequireBearer("s3cret")(next)

	req := httptest.NewRequest("GET", "/v1/admin/channels", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("missing token: status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/v1/admin/channels", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("wrong token: status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/v1/admin/channels", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("valid token: status %d, want 200", rec.Code)
	}
}

func TestRequireBearerDisabledWhenUnset(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	handler := RequireBearer("")(next)

	req := httptest.NewRequest("GET", "/v1/admin/channels", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("disabled check: status %d, want 200", rec.Code)
	}
}
