// Package auth turns incoming HTTP requests into gate callers.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bigbes/snapshot-gate/internal/gate"
	"github.com/bigbes/snapshot-gate/internal/tier"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
	ErrUnknownTier  = errors.New("auth: unknown tier")
	ErrNoClientIP   = errors.New("auth: cannot determine client address")
)

// Claims carried by session tokens.
type Claims struct {
	jwt.RegisteredClaims
	Tier string `json:"tier,omitempty"`
}

// Resolver maps requests to callers.
type Resolver struct {
	secret     []byte
	trustProxy bool
	policy     *tier.Policy
	now        func() time.Time
}

func NewResolver(secret string, trustProxy bool, policy *tier.Policy) *Resolver {
	return &Resolver{
		secret:     []byte(secret),
		trustProxy: trustProxy,
		policy:     policy,
		now:        time.Now,
	}
}

// Resolve returns the authenticated caller, or an anonymous free-tier caller
// when the request carries no bearer token. Without a signing secret every
// bearer token is rejected.
func (r *Resolver) Resolve(req *http.Request) (gate.Caller, error) {
	ip, ipErr := ClientIP(req, r.trustProxy)

	raw, ok := bearer(req)
	if !ok {
		if ipErr != nil {
			return gate.Caller{}, ipErr
		}
		return gate.Anonymous(ip), nil
	}

	if len(r.secret) == 0 {
		return gate.Caller{}, ErrInvalidToken
	}
	claims, err := r.parse(raw)
	if err != nil {
		return gate.Caller{}, err
	}
	t := claims.Tier
	if t == "" {
		t = tier.Free
	}
	if !r.policy.Has(t) {
		return gate.Caller{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	c := gate.Caller{UserID: claims.Subject, Tier: t}
	if ipErr == nil {
		c.ClientIP = ip
	}
	return c, nil
}

func (r *Resolver) parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	// Subjects must not collide with anonymous ledger keys.
	if strings.HasPrefix(claims.Subject, gate.AnonymousPrefix) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken signs a session token for userID. A zero ttl issues a token
// without expiry.
func IssueToken(secret, userID, tierName string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty signing secret")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Tier: tierName,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ClientIP returns the request's client address. Forwarding headers are
// honoured only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) (netip.Addr, error) {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return ip.Unmap(), nil
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			if ip, err := netip.ParseAddr(xr); err == nil {
				return ip.Unmap(), nil
			}
		}
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrNoClientIP, r.RemoteAddr)
	}
	return ip.Unmap(), nil
}

// BearerMatches reports whether the request carries exactly token as its
// bearer credential. An empty token never matches.
func BearerMatches(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	got, ok := bearer(r)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}
