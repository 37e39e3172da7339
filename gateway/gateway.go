// Package gateway orchestrates artifact promotion from the untrusted
// landing area into the curated store: digest check, dual-signature chain
// verification, and policy evaluation, in that order, with quarantine on
// any failure. Every transition is acknowledged by the audit ledger before
// it is reported to callers.
package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/custody"
	"github.com/meigma/custody/integrity"
	"github.com/meigma/custody/ledger"
	"github.com/meigma/custody/manifest"
	"github.com/meigma/custody/policy"
	"github.com/meigma/custody/signature"
	"github.com/meigma/custody/store"
)

// Sentinel errors.
var (
	// ErrUnknownTracking is returned when no promotion matches a tracking ID.
	ErrUnknownTracking = fmt.Errorf("%w: unknown tracking id", custody.ErrConfig)

	// ErrNotHeld is returned when resolving a promotion that is not parked
	// in the needs-review state.
	ErrNotHeld = fmt.Errorf("%w: promotion not held for review", custody.ErrConfig)
)

const (
	defaultWorkers = 4
	defaultRetries = 3
	defaultBackoff = 250 * time.Millisecond
)

// Transform rewrites a payload during promotion, e.g. anonymizing or
// masking fields for a privacy disposition. The transformed bytes get
// their own digest; the original digest is preserved in annotations.
type Transform func(payload []byte) ([]byte, error)

// Config wires the gateway's collaborators. All fields are required except
// Quarantine, which defaults to discarding (the ledger still records every
// quarantine).
type Config struct {
	Engine     *integrity.Engine
	Keys       *signature.Store
	Evaluator  *policy.Evaluator
	Resolver   *manifest.Resolver
	Ledger     *ledger.Ledger
	Landing    store.Landing
	Curated    store.Curated
	Quarantine store.Quarantine
}

// Gateway runs the promotion state machine. Safe for concurrent use; the
// only shared mutable state outside its own bookkeeping is the ledger's
// append path, which serializes internally.
type Gateway struct {
	engine     *integrity.Engine
	keys       *signature.Store
	evaluator  *policy.Evaluator
	resolver   *manifest.Resolver
	ledger     *ledger.Ledger
	landing    store.Landing
	curated    store.Curated
	quarantine store.Quarantine

	transform Transform
	actor     string
	timeout   time.Duration
	retries   int
	backoff   time.Duration
	logger    *slog.Logger

	sem    *semaphore.Weighted
	flight singleflight.Group

	mu         sync.RWMutex
	results    map[string]*Result
	byArtifact map[string]string // artifact+manifest digest -> tracking ID
	held       map[string]*heldPromotion
	gapped     map[string]struct{} // tracking ID + fingerprint pairs already flagged

	waiverMu sync.RWMutex
	waivers  []custody.Waiver

	sweepMu sync.Mutex
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithWorkers caps the number of concurrently processed promotions.
// Defaults to 4.
func WithWorkers(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout bounds one artifact's promotion end to end. Expiry
// quarantines the artifact with reason timeout; it is never left silently
// half-promoted. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// WithRetry sets the retry budget for transient storage and ledger
// failures. Backoff doubles per attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(g *Gateway) {
		if attempts >= 0 {
			g.retries = attempts
		}
		if backoff > 0 {
			g.backoff = backoff
		}
	}
}

// WithTransform installs the masking transform applied when a request asks
// for a masked promotion.
func WithTransform(t Transform) Option {
	return func(g *Gateway) {
		g.transform = t
	}
}

// WithActor sets the actor recorded in ledger entries. Defaults to
// "promotion-gateway".
func WithActor(actor string) Option {
	return func(g *Gateway) {
		if actor != "" {
			g.actor = actor
		}
	}
}

// WithLogger sets the logger for gateway operations. If not set, logging
// is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a promotion gateway.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	switch {
	case cfg.Engine == nil:
		return nil, fmt.Errorf("%w: gateway requires a digest engine", custody.ErrConfig)
	case cfg.Keys == nil:
		return nil, fmt.Errorf("%w: gateway requires a key store", custody.ErrConfig)
	case cfg.Evaluator == nil:
		return nil, fmt.Errorf("%w: gateway requires a policy evaluator", custody.ErrConfig)
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("%w: gateway requires a manifest resolver", custody.ErrConfig)
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("%w: gateway requires a ledger", custody.ErrConfig)
	case cfg.Landing == nil:
		return nil, fmt.Errorf("%w: gateway requires a landing store", custody.ErrConfig)
	case cfg.Curated == nil:
		return nil, fmt.Errorf("%w: gateway requires a curated store", custody.ErrConfig)
	}

	g := &Gateway{
		engine:     cfg.Engine,
		keys:       cfg.Keys,
		evaluator:  cfg.Evaluator,
		resolver:   cfg.Resolver,
		ledger:     cfg.Ledger,
		landing:    cfg.Landing,
		curated:    cfg.Curated,
		quarantine: cfg.Quarantine,
		actor:      "promotion-gateway",
		retries:    defaultRetries,
		backoff:    defaultBackoff,
		sem:        semaphore.NewWeighted(defaultWorkers),
		results:    make(map[string]*Result),
		byArtifact: make(map[string]string),
		held:       make(map[string]*heldPromotion),
		gapped:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) log() *slog.Logger {
	if g.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return g.logger
}

// TrackingID derives the deduplication key for a promotion request.
// Repeated requests for the same source key under the same manifest map to
// the same ID.
func TrackingID(sourceKey string, manifestDigest digest.Digest) string {
	return digest.Canonical.FromString(sourceKey + "\x00" + manifestDigest.String()).String()
}
