package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/custody"
	"github.com/meigma/custody/integrity"
	"github.com/meigma/custody/ledger"
	"github.com/meigma/custody/policy"
	"github.com/meigma/custody/signature"
	"github.com/meigma/custody/store"
)

// State is an artifact's position in the promotion state machine.
type State uint8

const (
	StateLanded State = iota + 1
	StateDigestChecked
	StateChainVerified
	StatePolicyEvaluated
	StateHeld
	StatePromoted
	StateMaskedPromoted
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StateLanded:
		return "landed"
	case StateDigestChecked:
		return "digest_checked"
	case StateChainVerified:
		return "chain_verified"
	case StatePolicyEvaluated:
		return "policy_evaluated"
	case StateHeld:
		return "held"
	case StatePromoted:
		return "promoted"
	case StateMaskedPromoted:
		return "masked_promoted"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Reason codes attached to quarantines. Sufficient for a human to decide
// the next action without reading internal logs.
type Reason string

const (
	ReasonDigestMismatch   Reason = "digest_mismatch"
	ReasonSignatureInvalid Reason = "signature_invalid"
	ReasonPolicyViolation  Reason = "policy_violation"
	ReasonTimeout          Reason = "timeout"
)

// Request asks for one artifact's promotion. Findings come from the
// external normalization collaborator; the gateway never parses
// tool-specific formats.
type Request struct {
	SourceKey      string
	ManifestDigest digest.Digest

	// Tier names the manifest profile the artifact is evaluated under.
	Tier custody.Tier

	// Inner and Outer are the producer and gatekeeper signatures over the
	// artifact's content digest.
	Inner signature.Signature
	Outer signature.Signature

	Findings []custody.NormalizedFinding

	// Mask requests the privacy transform during the promotion copy.
	Mask bool
}

func (r *Request) validate() error {
	if r.SourceKey == "" {
		return fmt.Errorf("%w: request missing source key", custody.ErrConfig)
	}
	if err := r.ManifestDigest.Validate(); err != nil {
		return fmt.Errorf("%w: request manifest digest: %v", custody.ErrConfig, err)
	}
	if r.Tier == "" {
		return fmt.Errorf("%w: request missing verification tier", custody.ErrConfig)
	}
	return nil
}

// Result is the externally visible status of a promotion.
type Result struct {
	TrackingID     string
	State          State
	Reason         Reason
	Detail         string
	ArtifactDigest digest.Digest
	Verdict        *custody.PolicyVerdict
	Record         *custody.VerificationRecord
	UpdatedAt      time.Time
}

// Terminal reports whether the promotion has reached a final state.
// A held promotion is parked, not terminal: a waiver or rejection moves it.
func (r *Result) Terminal() bool {
	switch r.State {
	case StatePromoted, StateMaskedPromoted, StateQuarantined:
		return true
	default:
		return false
	}
}

func (r *Result) clone() *Result {
	out := *r
	return &out
}

// artifactEvent is the ledger payload shared by promotion transitions.
type artifactEvent struct {
	TrackingID     string `json:"tracking_id"`
	SourceKey      string `json:"source_key"`
	ManifestDigest string `json:"manifest_digest"`
	ArtifactDigest string `json:"artifact_digest,omitempty"`
	Tier           string `json:"tier,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Masked         bool   `json:"masked,omitempty"`
}

// verdictEvent is the ledger payload for policy evaluations.
type verdictEvent struct {
	TrackingID string                `json:"tracking_id"`
	Verdict    custody.PolicyVerdict `json:"verdict"`
}

// heldPromotion parks a needs-review promotion. It occupies no worker; a
// waiver or rejection re-enters the state machine from the policy stage.
type heldPromotion struct {
	id      string
	req     Request
	intake  custody.IntakeMetadata
	digest  digest.Digest
	size    int64
	record  *custody.VerificationRecord
	profile profileRef

	// recordSeq is the ledger sequence of the chain_verified entry, carried
	// into the promoted artifact's annotations.
	recordSeq uint64
}

type profileRef struct {
	manifestDigest digest.Digest
	name           string
}

// RequestPromotion starts a promotion asynchronously and returns its
// tracking ID. Poll Status for progress. Repeated requests for the same
// (source key, manifest digest) return the same tracking ID.
func (g *Gateway) RequestPromotion(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	id := TrackingID(req.SourceKey, req.ManifestDigest)

	if r := g.result(id); r != nil && (r.Terminal() || r.State == StateHeld) {
		return id, nil
	}

	// The ID is visible to Status from the moment it is issued, not only
	// once the promotion reaches a held or terminal state. Concurrent
	// requests for the same ID coalesce inside Promote.
	g.ensureResult(id)

	go func() {
		if _, err := g.Promote(context.WithoutCancel(ctx), req); err != nil {
			g.log().Error("async promotion failed",
				"tracking_id", id, "error", err.Error())
		}
	}()
	return id, nil
}

// Status returns the current result for a tracking ID.
func (g *Gateway) Status(trackingID string) (*Result, error) {
	if r := g.result(trackingID); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTracking, trackingID)
}

// Promote runs one artifact's promotion to a held or terminal state and
// returns the result. Concurrent calls for the same tracking ID coalesce;
// a finished promotion is returned as-is with no duplicate ledger entries.
func (g *Gateway) Promote(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	id := TrackingID(req.SourceKey, req.ManifestDigest)

	if r := g.result(id); r != nil && (r.Terminal() || r.State == StateHeld) {
		return r, nil
	}
	g.ensureResult(id)

	v, err, _ := g.flight.Do(id, func() (any, error) {
		// Re-check under the flight: a concurrent call may have finished.
		if r := g.result(id); r != nil && (r.Terminal() || r.State == StateHeld) {
			return r, nil
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer g.sem.Release(1)
		return g.promote(ctx, id, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// promote drives the state machine: Landed -> DigestChecked ->
// ChainVerified -> PolicyEvaluated -> {Promoted | MaskedPromoted |
// Quarantined | Held}. Integrity failures quarantine immediately and skip
// all later stages.
func (g *Gateway) promote(ctx context.Context, id string, req Request) (*Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resolved, err := g.resolver.Get(req.ManifestDigest)
	if err != nil {
		return nil, err
	}
	profile, ok := resolved.Profile(string(req.Tier))
	if !ok {
		return nil, fmt.Errorf("%w: manifest %s has no profile %q",
			custody.ErrConfig, req.ManifestDigest, req.Tier)
	}

	// Landed: fetch the untrusted payload.
	var (
		rc     io.ReadCloser
		intake custody.IntakeMetadata
	)
	err = g.retry(ctx, "landing get", func() error {
		var gerr error
		rc, intake, gerr = g.landing.Get(ctx, req.SourceKey)
		return gerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return g.quarantineArtifact(ctx, id, req, intake, ReasonTimeout, "timed out fetching landed payload", nil, nil)
		}
		// Transient exhaustion: the artifact stays landed, not quarantined.
		return nil, err
	}

	if _, err := g.append(ctx, ledger.EventArtifactLanded, artifactEvent{
		TrackingID:     id,
		SourceKey:      req.SourceKey,
		ManifestDigest: req.ManifestDigest.String(),
		ArtifactDigest: intake.DeclaredDigest.String(),
		Tier:           string(req.Tier),
	}); err != nil {
		rc.Close()
		return nil, err
	}
	g.progress(id, StateLanded, intake.DeclaredDigest)

	// DigestChecked: computed digest must equal the declared digest.
	computed, size, verr := g.engine.Verify(ctx, rc, intake.DeclaredDigest)
	rc.Close()
	if verr != nil {
		switch {
		case errors.Is(verr, integrity.ErrDigestMismatch):
			detail := fmt.Sprintf("declared %s, computed %s", intake.DeclaredDigest, computed)
			return g.quarantineArtifact(ctx, id, req, intake, ReasonDigestMismatch, detail, nil, nil)
		case ctx.Err() != nil:
			return g.quarantineArtifact(ctx, id, req, intake, ReasonTimeout, "timed out digesting payload", nil, nil)
		default:
			return nil, fmt.Errorf("%w: digest payload: %v", custody.ErrTransient, verr)
		}
	}

	if _, err := g.append(ctx, ledger.EventDigestChecked, artifactEvent{
		TrackingID:     id,
		SourceKey:      req.SourceKey,
		ManifestDigest: req.ManifestDigest.String(),
		ArtifactDigest: computed.String(),
	}); err != nil {
		return nil, err
	}
	g.progress(id, StateDigestChecked, computed)

	// ChainVerified: dual-signature chain over the computed digest.
	snap := g.keys.Snapshot()
	chain := signature.VerifyChain(ctx, computed, req.Inner, req.Outer, snap)
	if !g.keys.IsCurrent(snap) {
		// Keys rotated mid-verification; never trust a stale set silently.
		g.log().Warn("key set rotated during verification, re-verifying",
			"tracking_id", id)
		snap = g.keys.Snapshot()
		chain = signature.VerifyChain(ctx, computed, req.Inner, req.Outer, snap)
	}

	record := &custody.VerificationRecord{
		ArtifactDigest: computed,
		SignerInner:    req.Inner.KeyID,
		SignerOuter:    req.Outer.KeyID,
		InnerSignature: req.Inner.Data,
		OuterSignature: req.Outer.Data,
		Timestamp:      time.Now().UTC(),
		ChainVerified:  chain.ChainVerified,
	}

	if !chain.ChainVerified {
		detail := "signer digest disagreement"
		if cerr := chain.Err(); cerr != nil {
			detail = cerr.Error()
		}
		return g.quarantineArtifact(ctx, id, req, intake, ReasonSignatureInvalid, detail, record, nil)
	}

	chainEntry, err := g.append(ctx, ledger.EventChainVerified, artifactEvent{
		TrackingID:     id,
		SourceKey:      req.SourceKey,
		ManifestDigest: req.ManifestDigest.String(),
		ArtifactDigest: computed.String(),
		Detail:         fmt.Sprintf("inner=%s outer=%s", req.Inner.KeyID, req.Outer.KeyID),
	})
	if err != nil {
		return nil, err
	}
	g.progress(id, StateChainVerified, computed)

	held := &heldPromotion{
		id:     id,
		req:    req,
		intake: intake,
		digest: computed,
		size:   size,
		record: record,
		profile: profileRef{
			manifestDigest: req.ManifestDigest,
			name:           profile.Name,
		},
		recordSeq: chainEntry.Sequence,
	}
	return g.evaluateAndFinish(ctx, held)
}

// evaluateAndFinish runs the policy stage and the final transition. Held
// promotions re-enter here when a waiver or rejection arrives.
func (g *Gateway) evaluateAndFinish(ctx context.Context, h *heldPromotion) (*Result, error) {
	resolved, err := g.resolver.Get(h.profile.manifestDigest)
	if err != nil {
		return nil, err
	}
	profile, ok := resolved.Profile(h.profile.name)
	if !ok {
		return nil, fmt.Errorf("%w: profile %q disappeared", custody.ErrConfig, h.profile.name)
	}

	verdict := g.evaluator.Evaluate(policy.Request{
		ArtifactDigest: h.digest,
		ManifestDigest: h.profile.manifestDigest,
		Profile:        profile,
		Findings:       h.req.Findings,
		Waivers:        g.snapshotWaivers(),
	})

	if _, err := g.append(ctx, ledger.EventPolicyEvaluated, verdictEvent{
		TrackingID: h.id,
		Verdict:    verdict,
	}); err != nil {
		return nil, err
	}
	g.progress(h.id, StatePolicyEvaluated, h.digest)

	switch verdict.Outcome {
	case custody.OutcomeFail:
		detail := "policy thresholds exceeded"
		if unwaived := verdict.Unwaived(); len(unwaived) > 0 {
			detail = unwaived[0].Message
		}
		g.unpark(h.id)
		return g.quarantineArtifact(ctx, h.id, h.req, h.intake, ReasonPolicyViolation, detail, h.record, &verdict)

	case custody.OutcomeNeedsReview:
		if _, err := g.append(ctx, ledger.EventHeldForReview, artifactEvent{
			TrackingID:     h.id,
			SourceKey:      h.req.SourceKey,
			ManifestDigest: h.profile.manifestDigest.String(),
			ArtifactDigest: h.digest.String(),
		}); err != nil {
			return nil, err
		}
		g.park(h)
		result := &Result{
			TrackingID:     h.id,
			State:          StateHeld,
			ArtifactDigest: h.digest,
			Verdict:        &verdict,
			Record:         h.record,
			UpdatedAt:      time.Now().UTC(),
		}
		g.setResult(result)
		return result, nil

	default:
		g.unpark(h.id)
		return g.finalize(ctx, h, &verdict)
	}
}

// finalize copies the verified payload into the curated store and records
// the promotion. Deduplicated by artifact digest + manifest digest: a
// second promotion of content already promoted under the same manifest
// reuses the original result and appends no duplicate ledger entry.
func (g *Gateway) finalize(ctx context.Context, h *heldPromotion, verdict *custody.PolicyVerdict) (*Result, error) {
	artifactKey := h.digest.String() + "\x00" + h.profile.manifestDigest.String()

	g.mu.RLock()
	priorID, dup := g.byArtifact[artifactKey]
	var prior *Result
	if dup {
		prior = g.results[priorID]
	}
	g.mu.RUnlock()

	if prior != nil && (prior.State == StatePromoted || prior.State == StateMaskedPromoted) {
		g.log().Info("promotion deduplicated",
			"tracking_id", h.id, "original", priorID)
		alias := prior.clone()
		alias.TrackingID = h.id
		g.setResult(alias)
		return alias, nil
	}

	var rc io.ReadCloser
	err := g.retry(ctx, "landing reopen", func() error {
		var gerr error
		rc, _, gerr = g.landing.Get(ctx, h.req.SourceKey)
		return gerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return g.quarantineArtifact(ctx, h.id, h.req, h.intake, ReasonTimeout, "timed out reopening payload", h.record, verdict)
		}
		return nil, err
	}
	defer rc.Close()

	finalDigest := h.digest
	finalSize := h.size
	masked := h.req.Mask && g.transform != nil
	var payload io.Reader = rc

	annotations := map[string]string{
		store.AnnotationManifestDigest:     h.profile.manifestDigest.String(),
		store.AnnotationVerificationRecord: strconv.FormatUint(h.recordSeq, 10),
	}

	if masked {
		raw, rerr := io.ReadAll(rc)
		if rerr != nil {
			return nil, fmt.Errorf("%w: read payload for masking: %v", custody.ErrTransient, rerr)
		}
		maskedBytes, terr := g.transform(raw)
		if terr != nil {
			return nil, fmt.Errorf("gateway: masking transform: %w", terr)
		}
		finalDigest = g.engine.FromBytes(maskedBytes)
		finalSize = int64(len(maskedBytes))
		payload = bytes.NewReader(maskedBytes)
		annotations[store.AnnotationOriginalDigest] = h.digest.String()
	}

	meta := store.Metadata{
		Descriptor: ocispec.Descriptor{
			MediaType:   "application/octet-stream",
			Digest:      finalDigest,
			Size:        finalSize,
			Annotations: annotations,
		},
		Intake:      h.intake,
		Annotations: annotations,
	}

	if err := g.retry(ctx, "curated put", func() error {
		return g.curated.Put(ctx, meta, payload)
	}); err != nil {
		if ctx.Err() != nil {
			return g.quarantineArtifact(ctx, h.id, h.req, h.intake, ReasonTimeout, "timed out copying payload", h.record, verdict)
		}
		return nil, err
	}

	// The promotion is durable only once this append is acknowledged.
	if _, err := g.append(ctx, ledger.EventArtifactPromoted, artifactEvent{
		TrackingID:     h.id,
		SourceKey:      h.req.SourceKey,
		ManifestDigest: h.profile.manifestDigest.String(),
		ArtifactDigest: finalDigest.String(),
		Masked:         masked,
	}); err != nil {
		return nil, err
	}

	state := StatePromoted
	if masked {
		state = StateMaskedPromoted
	}
	result := &Result{
		TrackingID:     h.id,
		State:          state,
		ArtifactDigest: finalDigest,
		Verdict:        verdict,
		Record:         h.record,
		UpdatedAt:      time.Now().UTC(),
	}

	g.mu.Lock()
	g.results[h.id] = result
	g.byArtifact[artifactKey] = h.id
	g.mu.Unlock()

	g.log().Info("artifact promoted",
		"tracking_id", h.id,
		"digest", finalDigest.String(),
		"masked", masked)

	return result, nil
}

// quarantineArtifact preserves the payload in quarantine (best effort),
// records the quarantine in the ledger (required), and returns the
// terminal result. Uses an uncancelled context so a deadline that caused
// the quarantine cannot also prevent recording it.
func (g *Gateway) quarantineArtifact(ctx context.Context, id string, req Request, intake custody.IntakeMetadata, reason Reason, detail string, record *custody.VerificationRecord, verdict *custody.PolicyVerdict) (*Result, error) {
	qctx := context.WithoutCancel(ctx)

	if g.quarantine != nil {
		if err := g.retry(qctx, "quarantine hold", func() error {
			rc, _, gerr := g.landing.Get(qctx, req.SourceKey)
			if gerr != nil {
				return gerr
			}
			defer rc.Close()
			return g.quarantine.Hold(qctx, intake, string(reason), rc)
		}); err != nil {
			// The ledger record below is the authoritative trace either way.
			g.log().Error("failed to preserve quarantined payload",
				"tracking_id", id, "error", err.Error())
		}
	}

	if _, err := g.append(qctx, ledger.EventQuarantined, artifactEvent{
		TrackingID:     id,
		SourceKey:      req.SourceKey,
		ManifestDigest: req.ManifestDigest.String(),
		ArtifactDigest: intake.DeclaredDigest.String(),
		Reason:         string(reason),
		Detail:         detail,
	}); err != nil {
		return nil, err
	}

	result := &Result{
		TrackingID: id,
		State:      StateQuarantined,
		Reason:     reason,
		Detail:     detail,
		Verdict:    verdict,
		Record:     record,
		UpdatedAt:  time.Now().UTC(),
	}
	g.setResult(result)

	g.log().Warn("artifact quarantined",
		"tracking_id", id,
		"reason", string(reason),
		"detail", detail)

	return result, nil
}

func (g *Gateway) result(id string) *Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if r, ok := g.results[id]; ok {
		return r.clone()
	}
	return nil
}

func (g *Gateway) setResult(r *Result) {
	g.mu.Lock()
	g.results[r.TrackingID] = r
	g.mu.Unlock()
}

// ensureResult registers an in-progress result for a freshly issued
// tracking ID so Status answers during the in-flight window.
func (g *Gateway) ensureResult(id string) {
	g.mu.Lock()
	if _, ok := g.results[id]; !ok {
		g.results[id] = &Result{
			TrackingID: id,
			State:      StateLanded,
			UpdatedAt:  time.Now().UTC(),
		}
	}
	g.mu.Unlock()
}

// progress advances an in-flight result's state. Held and terminal states
// are owned by their transition sites and never regressed from here.
func (g *Gateway) progress(id string, state State, dgst digest.Digest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.results[id]; ok && (r.Terminal() || r.State == StateHeld) {
		return
	}
	g.results[id] = &Result{
		TrackingID:     id,
		State:          state,
		ArtifactDigest: dgst,
		UpdatedAt:      time.Now().UTC(),
	}
}

// append writes a ledger entry with the gateway's retry budget. Callers
// treat a failed append as a hard stop: no transition is reported without
// its ledger acknowledgment.
func (g *Gateway) append(ctx context.Context, event ledger.EventType, payload any) (ledger.Entry, error) {
	var entry ledger.Entry
	err := g.retry(ctx, "ledger append", func() error {
		var aerr error
		entry, aerr = g.ledger.Append(ctx, event, payload, g.actor)
		return aerr
	})
	return entry, err
}
