// Package policy implements the deterministic rule engine comparing
// normalized findings against manifest-declared thresholds.
//
// Evaluation is a pure function of its inputs: identical findings, profile,
// waivers, and evaluation time always produce an identical verdict, so an
// assurance run can be reconstructed later by replay.
package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody"
	"github.com/meigma/custody/manifest"
)

// DefaultReviewThreshold is the confidence below which a failing finding
// escalates the verdict to needs-review, when the profile does not set one.
const DefaultReviewThreshold = 0.85

// severityOrder is the fixed evaluation order, most severe first, so the
// violation list is reproducible.
var severityOrder = []custody.Severity{
	custody.SeverityCritical,
	custody.SeverityHigh,
	custody.SeverityMedium,
	custody.SeverityLow,
}

// Evaluator produces policy verdicts. Stateless apart from its clock, which
// is injectable so replays evaluate waiver expiry at the original instant.
type Evaluator struct {
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger for evaluation. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithClock sets the time source. Replay-based audits pass a fixed clock to
// reproduce the original verdict exactly.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Request carries everything one evaluation depends on.
type Request struct {
	ArtifactDigest digest.Digest
	ManifestDigest digest.Digest
	Profile        manifest.Profile
	Findings       []custody.NormalizedFinding
	Waivers        []custody.Waiver
}

// Evaluate buckets findings by normalized severity, compares each bucket
// against the profile's threshold, and applies active waivers. A severity
// with no configured threshold allows zero findings, and a finding whose
// severity cannot be mapped counts as critical; both defaults fail closed.
func (e *Evaluator) Evaluate(req Request) custody.PolicyVerdict {
	evaluatedAt := e.now().UTC()

	verdict := custody.PolicyVerdict{
		ArtifactDigest: req.ArtifactDigest,
		ManifestDigest: req.ManifestDigest,
		ProfileName:    req.Profile.Name,
		Outcome:        custody.OutcomePass,
		EvaluatedAt:    evaluatedAt,
	}

	buckets := make(map[custody.Severity][]custody.NormalizedFinding)
	for _, f := range req.Findings {
		severity, ok := custody.ParseSeverity(f.Severity)
		if !ok {
			e.log().Warn("unmapped severity treated as critical",
				"fingerprint", f.Fingerprint, "severity", f.Severity)
		}
		buckets[severity] = append(buckets[severity], f)
	}

	waivers := activeWaivers(req.Waivers, evaluatedAt)

	var violating []custody.NormalizedFinding
	for _, severity := range severityOrder {
		findings := buckets[severity]
		allowed := req.Profile.Thresholds.Allowed(severity)
		if len(findings) <= allowed {
			continue
		}

		message := fmt.Sprintf("%s findings exceeded threshold (%d > %d)",
			severity, len(findings), allowed)

		for _, f := range findings {
			v := custody.Violation{
				Fingerprint: f.Fingerprint,
				Severity:    severity,
				Message:     message,
			}
			if w, ok := waivers[f.Fingerprint]; ok {
				v.WaivedBy = w.Reviewer
			} else {
				violating = append(violating, f)
			}
			verdict.Violations = append(verdict.Violations, v)
		}
	}

	sortViolations(verdict.Violations)

	if len(violating) == 0 {
		// Either nothing violated, or every violating finding carries an
		// active waiver; the waiver set stays recorded in Violations.
		return verdict
	}

	verdict.Outcome = custody.OutcomeFail

	reviewThreshold := req.Profile.ReviewThreshold
	if reviewThreshold == 0 {
		reviewThreshold = DefaultReviewThreshold
	}
	for _, f := range violating {
		if f.Confidence < reviewThreshold {
			verdict.Outcome = custody.OutcomeNeedsReview
			break
		}
	}

	e.log().Info("policy evaluated",
		"profile", req.Profile.Name,
		"outcome", verdict.Outcome.String(),
		"violations", len(verdict.Violations))

	return verdict
}

// activeWaivers indexes unexpired waivers by finding fingerprint. When two
// waivers cover the same fingerprint, the later expiry wins.
func activeWaivers(waivers []custody.Waiver, now time.Time) map[string]custody.Waiver {
	out := make(map[string]custody.Waiver, len(waivers))
	for _, w := range waivers {
		if !w.Active(now) {
			continue
		}
		if cur, ok := out[w.FindingRef]; ok && cur.ExpiresAt.After(w.ExpiresAt) {
			continue
		}
		out[w.FindingRef] = w
	}
	return out
}

// sortViolations orders violations severity-descending, then fingerprint
// ascending, so verdicts are byte-identical across replays.
func sortViolations(v []custody.Violation) {
	sort.SliceStable(v, func(i, j int) bool {
		if v[i].Severity != v[j].Severity {
			return v[i].Severity > v[j].Severity
		}
		return v[i].Fingerprint < v[j].Fingerprint
	})
}
