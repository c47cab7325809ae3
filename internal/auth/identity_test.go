package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/bigbes/snapshot-gate/internal/tier"
)

const testSecret = "jwt-test-secret"

func newResolver(trustProxy bool) *Resolver {
	return NewResolver(testSecret, trustProxy, tier.Default())
}

func TestResolveToken(t *testing.T) {
	tok, err := IssueToken(testSecret, "alice", tier.Premium, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/downloads", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	c, err := newResolver(false).Resolve(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.UserID != "alice" || c.Tier != tier.Premium {
		t.Fatalf("caller = %+v", c)
	}
	if c.IsAnonymous() {
		t.Fatal("token caller reported as anonymous")
	}
}

func TestResolveTokenDefaultsToFree(t *testing.T) {
	tok, err := IssueToken(testSecret, "bob", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", "/api/downloads", nil)
	req.Header.Set("Authorization", "bearer "+tok)

	c, err := newResolver(false).Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if c.Tier != tier.Free {
		t.Fatalf("tier = %q, want free", c.Tier)
	}
}

func TestResolveTokenErrors(t *testing.T) {
	wrongKey, _ := IssueToken("other-secret", "alice", tier.Free, time.Hour)
	gold, _ := IssueToken(testSecret, "alice", "gold", time.Hour)
	noSub, _ := IssueToken(testSecret, "", tier.Free, time.Hour)
	ipSub, _ := IssueToken(testSecret, "ip:203.0.113.7", tier.Free, time.Hour)

	r := newResolver(false)
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	expired, _ := IssueToken(testSecret, "alice", tier.Free, time.Hour)

	tests := []struct {
		name  string
		token string
		res   *Resolver
		want  error
	}{
		{"wrong key", wrongKey, newResolver(false), ErrInvalidToken},
		{"garbage", "not.a.jwt", newResolver(false), ErrInvalidToken},
		{"unknown tier", gold, newResolver(false), ErrUnknownTier},
		{"no subject", noSub, newResolver(false), ErrInvalidToken},
		{"anonymous-looking subject", ipSub, newResolver(false), ErrInvalidToken},
		{"expired", expired, r, ErrExpiredToken},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/api/downloads", nil)
		req.Header.Set("Authorization", "Bearer "+tt.token)
		_, err := tt.res.Resolve(req)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

// hs256 signs a token by hand so an empty key can be used.
func hs256(key []byte, payload string) string {
	enc := base64.RawURLEncoding
	unsigned := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + enc.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(unsigned))
	return unsigned + "." + enc.EncodeToString(mac.Sum(nil))
}

func TestResolveWithoutSecretRejectsTokens(t *testing.T) {
	r := NewResolver("", false, tier.Default())

	req := httptest.NewRequest("POST", "/api/downloads", nil)
	req.Header.Set("Authorization", "Bearer "+hs256(nil, `{"sub":"mallory","tier":"premium"}`))
	if c, err := r.Resolve(req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("caller = %+v, err = %v, want ErrInvalidToken", c, err)
	}

	// Anonymous callers still work.
	req = httptest.NewRequest("POST", "/api/downloads", nil)
	c, err := r.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsAnonymous() || c.Tier != tier.Free {
		t.Fatalf("caller = %+v", c)
	}
}

func TestResolveAnonymous(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/downloads", nil)
	req.RemoteAddr = "203.0.113.9:41000"

	c, err := newResolver(false).Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if c.UserID != "ip:203.0.113.9" || c.Tier != tier.Free || !c.IsAnonymous() {
		t.Fatalf("caller = %+v", c)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote only", "198.51.100.2:5000", "", "", false, "198.51.100.2"},
		{"xff ignored without trust", "198.51.100.2:5000", "203.0.113.1", "", false, "198.51.100.2"},
		{"xff first hop", "10.0.0.1:5000", "203.0.113.1, 10.0.0.1", "", true, "203.0.113.1"},
		{"real ip", "10.0.0.1:5000", "", "203.0.113.5", true, "203.0.113.5"},
		{"bad xff falls back", "10.0.0.1:5000", "junk", "203.0.113.5", true, "203.0.113.5"},
		{"ipv6 remote", "[2001:db8::1]:443", "", "", false, "2001:db8::1"},
		{"mapped v4", "[::ffff:192.0.2.7]:443", "", "", false, "192.0.2.7"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if tt.realIP != "" {
			req.Header.Set("X-Real-IP", tt.realIP)
		}
		got, err := ClientIP(req, tt.trustProxy)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if got != netip.MustParseAddr(tt.want) {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestClientIPInvalidRemote(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "pipe"
	if _, err := ClientIP(req, false); !errors.Is(err, ErrNoClientIP) {
		t.Fatalf("err = %v, want ErrNoClientIP", err)
	}
}

func TestBearerMatches(t *testing.T) {
	req := httptest.NewRequest("POST", "/internal/usage/reset", nil)
	if BearerMatches(req, "tok") {
		t.Fatal("matched without header")
	}
	req.Header.Set("Authorization", "Bearer tok")
	if !BearerMatches(req, "tok") {
		t.Fatal("expected match")
	}
	if BearerMatches(req, "tok2") {
		t.Fatal("matched wrong token")
	}
	if BearerMatches(req, "") {
		t.Fatal("empty token must never match")
	}
}
