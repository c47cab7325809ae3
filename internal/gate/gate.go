// Package gate decides whether a download may start and, if so, issues the
// signed link and registers the connection.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/bigbes/snapshot-gate/internal/signer"
	"github.com/bigbes/snapshot-gate/internal/tier"
)

var (
	ErrUnknownTier = errors.New("gate: tier is not configured")
	ErrNoCaller    = errors.New("gate: caller has no identity")
)

// Outcome is the kind of admission decision.
type Outcome int

const (
	Admitted Outcome = iota
	RefusedQuota
	RefusedCapacity
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case RefusedQuota:
		return "quota_exceeded"
	case RefusedCapacity:
		return "capacity_exceeded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Caller identifies who is asking for a download.
type Caller struct {
	UserID   string
	Tier     string
	ClientIP netip.Addr

	anonymous bool
}

// AnonymousPrefix starts the ledger key of every anonymous caller.
// Authenticated user ids never carry it.
const AnonymousPrefix = "ip:"

// Anonymous returns the free-tier caller keyed by client address.
func Anonymous(ip netip.Addr) Caller {
	return Caller{UserID: AnonymousPrefix + ip.String(), Tier: tier.Free, ClientIP: ip, anonymous: true}
}

// IsAnonymous reports whether c was built by Anonymous.
func (c Caller) IsAnonymous() bool {
	return c.anonymous
}

// Request is a single download request.
type Request struct {
	Caller   Caller
	Path     string // absolute object path under the mount prefix
	ObjectID string // defaults to Path
}

// Decision is the result of Admit. Refusals are decisions, not errors.
type Decision struct {
	Outcome           Outcome
	URL               string
	ExpiresAt         int64
	Tier              string
	AdvisoryBandwidth int64
	ConnectionID      string
	QueuePosition     int // capacity refusals only
}

// LinkSigner signs download paths.
type LinkSigner interface {
	Sign(path, tier string, expiryHours int) (signer.Link, error)
}

// Registry is the subset of the connection registry the gate uses.
type Registry interface {
	HasExceededLimit(userID, tier string) bool
	AvailableBandwidth(userID, tier string) int64
	ActiveConnections(tier string) int
	StartConnection(id, userID, tier string)
}

// Recorder is told about every decision.
type Recorder interface {
	ObserveAdmission(tier, outcome string)
	ObserveQueuePosition(tier string, pos int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAdmission(string, string) {}
func (nopRecorder) ObserveQueuePosition(string, int) {}

type Option func(*Gate)

func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithIDFunc replaces the random connection disambiguator.
func WithIDFunc(fn func() string) Option {
	return func(g *Gate) { g.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

type Gate struct {
	policy   *tier.Policy
	signer   LinkSigner
	registry Registry
	recorder Recorder
	newID    func() string
	logger   *slog.Logger

	// admitMu makes the capacity check and the registration one step.
	admitMu sync.Mutex
}

func New(policy *tier.Policy, s LinkSigner, r Registry, opts ...Option) *Gate {
	g := &Gate{
		policy:   policy,
		signer:   s,
		registry: r,
		recorder: nopRecorder{},
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Admit runs the admission sequence: validate, quota, capacity, sign,
// register. Nothing is mutated unless every earlier step succeeded.
func (g *Gate) Admit(req Request) (Decision, error) {
	c := req.Caller
	if c.UserID == "" {
		return Decision{}, ErrNoCaller
	}
	limits, ok := g.policy.Lookup(c.Tier)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownTier, c.Tier)
	}
	if err := signer.ValidatePath(req.Path); err != nil {
		return Decision{}, err
	}
	objectID := req.ObjectID
	if objectID == "" {
		objectID = req.Path
	}

	g.admitMu.Lock()
	defer g.admitMu.Unlock()

	if g.registry.HasExceededLimit(c.UserID, c.Tier) {
		return g.refuse(Decision{Outcome: RefusedQuota, Tier: c.Tier}, c), nil
	}

	if limits.MaxConnections > 0 {
		if active := g.registry.ActiveConnections(c.Tier); active >= limits.MaxConnections {
			d := Decision{
				Outcome:       RefusedCapacity,
				Tier:          c.Tier,
				QueuePosition: active - limits.MaxConnections + 1,
			}
			g.recorder.ObserveQueuePosition(c.Tier, d.QueuePosition)
			return g.refuse(d, c), nil
		}
	}

	link, err := g.signer.Sign(req.Path, c.Tier, limits.LinkExpiryHours)
	if err != nil {
		return Decision{}, fmt.Errorf("gate: signing %q: %w", req.Path, err)
	}

	connID := c.UserID + ":" + objectID + ":" + g.newID()
	g.registry.StartConnection(connID, c.UserID, c.Tier)

	d := Decision{
		Outcome:           Admitted,
		URL:               link.URL,
		ExpiresAt:         link.ExpiresAt,
		Tier:              c.Tier,
		AdvisoryBandwidth: g.registry.AvailableBandwidth(c.UserID, c.Tier),
		ConnectionID:      connID,
	}
	g.recorder.ObserveAdmission(c.Tier, d.Outcome.String())
	g.logger.Info("gate: download admitted",
		"user", c.UserID, "tier", c.Tier, "path", req.Path,
		"connection_id", connID, "bandwidth", d.AdvisoryBandwidth, "expires", d.ExpiresAt)
	return d, nil
}

func (g *Gate) refuse(d Decision, c Caller) Decision {
	g.recorder.ObserveAdmission(c.Tier, d.Outcome.String())
	g.logger.Info("gate: download refused",
		"user", c.UserID, "tier", c.Tier, "reason", d.Outcome.String(), "queue_position", d.QueuePosition)
	return d
}
