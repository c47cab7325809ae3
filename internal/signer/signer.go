// Package signer builds expiring download links that the edge proxy checks
// against its own copy of the secret.
//
// The digest is base64url(md5(secret + mount + path + expires + tier)) with no
// padding and no separators between fields. The proxy recomputes it
// byte-for-byte, so any change to canonicalisation breaks every link.
package signer

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingSecret = errors.New("signer: signing secret is not set")
	ErrInvalidPath   = errors.New("signer: path must be absolute")
	ErrInvalidTier   = errors.New("signer: tier is empty")
	ErrInvalidExpiry = errors.New("signer: expiry hours must not be negative")
)

// Options configures a Signer.
type Options struct {
	Secret      string
	BaseURL     string // e.g. "https://snapshots.example.com"
	MountPrefix string // e.g. "/snapshots"
	Now         func() time.Time
}

// Link is a signed URL. It is computed, never stored.
type Link struct {
	URL       string
	ExpiresAt int64
	Digest    string
}

type Signer struct {
	secret string
	base   string
	mount  string
	now    func() time.Time
}

// New returns ErrMissingSecret if opts.Secret is empty so that a
// misconfigured process fails at start instead of on the first download.
func New(opts Options) (*Signer, error) {
	if opts.Secret == "" {
		return nil, ErrMissingSecret
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Signer{
		secret: opts.Secret,
		base:   opts.BaseURL,
		mount:  opts.MountPrefix,
		now:    now,
	}, nil
}

// Sign returns a link for path valid for expiryHours from now.
func (s *Signer) Sign(path, tier string, expiryHours int) (Link, error) {
	if err := validate(path, tier); err != nil {
		return Link{}, err
	}
	if expiryHours < 0 {
		return Link{}, ErrInvalidExpiry
	}

	expires := s.now().Unix() + int64(expiryHours)*3600
	digest := s.Digest(path, tier, expires)
	exp := strconv.FormatInt(expires, 10)

	var b strings.Builder
	b.Grow(len(s.base) + len(s.mount) + len(path) + len(digest) + len(exp) + len(tier) + 24)
	b.WriteString(s.base)
	b.WriteString(s.mount)
	b.WriteString(path)
	b.WriteString("?md5=")
	b.WriteString(digest)
	b.WriteString("&expires=")
	b.WriteString(exp)
	b.WriteString("&tier=")
	b.WriteString(tier)

	return Link{URL: b.String(), ExpiresAt: expires, Digest: digest}, nil
}

// Digest computes the keyed digest for an already-chosen expiry.
func (s *Signer) Digest(path, tier string, expiresAt int64) string {
	sum := md5.Sum([]byte(s.secret + s.mount + path + strconv.FormatInt(expiresAt, 10) + tier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify performs the same check the edge proxy does. It exists for
// diagnostics; production links are verified by the proxy only.
func (s *Signer) Verify(path, tier string, expiresAt int64, digest string, now time.Time) bool {
	if now.Unix() > expiresAt {
		return false
	}
	want := s.Digest(path, tier, expiresAt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}

var ErrBadLink = errors.New("signer: link does not verify")

// VerifyURL parses a full link produced by Sign and checks it. It returns the
// object path and tier on success.
func (s *Signer) VerifyURL(raw string, now time.Time) (path, tier string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("signer: parsing link: %w", err)
	}
	base, err := url.Parse(s.base)
	if err != nil || u.Scheme != base.Scheme || u.Host != base.Host {
		return "", "", fmt.Errorf("%w: origin %s://%s is not %s", ErrBadLink, u.Scheme, u.Host, s.base)
	}
	full := strings.TrimPrefix(u.Path, base.Path)
	path, ok := strings.CutPrefix(full, s.mount)
	if !ok || ValidatePath(path) != nil {
		return "", "", fmt.Errorf("%w: path %q is outside mount %q", ErrBadLink, u.Path, s.mount)
	}

	q := u.Query()
	tier = q.Get("tier")
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad expires %q", ErrBadLink, q.Get("expires"))
	}
	if !s.Verify(path, tier, expires, q.Get("md5"), now) {
		return "", "", ErrBadLink
	}
	return path, tier, nil
}

// MountPrefix returns the prefix links are mounted under.
func (s *Signer) MountPrefix() string { return s.mount }

// BaseURL returns the external base URL.
func (s *Signer) BaseURL() string { return s.base }

// ValidatePath reports ErrInvalidPath for a path the proxy could never match.
func ValidatePath(path string) error {
	if path == "" || path[0] != '/' {
		return ErrInvalidPath
	}
	return nil
}

func validate(path, tier string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if tier == "" {
		return ErrInvalidTier
	}
	return nil
}
