package custody

import (
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Severity is the fixed ordinal severity scale findings are normalized to,
// independent of the originating tool's vocabulary. Higher is more severe.
type Severity uint8

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a normalized severity label to its ordinal. The second
// return value reports whether the label was recognized; callers gating trust
// decisions treat unrecognized labels as critical (fail closed).
func ParseSeverity(label string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "low":
		return SeverityLow, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityCritical, false
	}
}

// Tier identifies the verification profile an artifact requested at intake.
// It names a profile in the governing manifest.
type Tier string

// IntakeMetadata accompanies each artifact landed by the ingestion
// collaborator. The declared digest is the producer's claim; it is checked
// against the computed digest before anything else.
type IntakeMetadata struct {
	SourceKey        string        `json:"source_key"`
	DeclaredDigest   digest.Digest `json:"declared_digest"`
	ProducerIdentity string        `json:"producer_identity"`
	Tier             Tier          `json:"verification_tier"`
}

// NormalizedFinding is a single finding after tool-specific normalization.
// Severity is the normalized label; the evaluator maps it via ParseSeverity.
type NormalizedFinding struct {
	Fingerprint string  `json:"fingerprint"`
	Severity    string  `json:"severity"`
	RuleID      string  `json:"rule_id"`
	Message     string  `json:"message"`
	Confidence  float64 `json:"confidence"`
}

// Outcome is the aggregate result of a policy evaluation.
type Outcome uint8

const (
	OutcomePass Outcome = iota + 1
	OutcomeFail
	OutcomeNeedsReview
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	case OutcomeNeedsReview:
		return "needs_review"
	default:
		return "unknown"
	}
}

// Violation is one finding that exceeded its severity bucket's threshold.
// WaivedBy carries the reviewer identity when an active waiver satisfied it.
type Violation struct {
	Fingerprint string   `json:"fingerprint"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	WaivedBy    string   `json:"waived_by,omitempty"`
}

// PolicyVerdict is the evaluator's decision for one artifact under one
// manifest profile. Identical inputs always produce an identical verdict,
// so an assurance run can be reconstructed by replay.
type PolicyVerdict struct {
	ArtifactDigest digest.Digest `json:"artifact_digest"`
	ManifestDigest digest.Digest `json:"manifest_digest"`
	ProfileName    string        `json:"profile_name"`
	Outcome        Outcome       `json:"outcome"`
	Violations     []Violation   `json:"violations,omitempty"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
}

// Unwaived returns the violations not satisfied by a waiver.
func (v *PolicyVerdict) Unwaived() []Violation {
	var out []Violation
	for _, viol := range v.Violations {
		if viol.WaivedBy == "" {
			out = append(out, viol)
		}
	}
	return out
}

// Waiver is a signed, ledger-recorded exception permitting promotion despite
// a policy violation. It references a single finding fingerprint and expires.
type Waiver struct {
	FindingRef    string    `json:"finding_ref"`
	Reviewer      string    `json:"reviewer_identity"`
	Justification string    `json:"justification"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Active reports whether the waiver is in force at the given instant.
func (w *Waiver) Active(now time.Time) bool {
	return now.Before(w.ExpiresAt)
}

// VerificationRecord captures a completed dual-signature chain check. The
// producer (inner) attests to the content; the gatekeeper (outer) attests
// that it independently re-verified the inner signature and the digest
// before co-signing.
type VerificationRecord struct {
	ArtifactDigest digest.Digest `json:"artifact_digest"`
	SignerInner    string        `json:"signer_inner"`
	SignerOuter    string        `json:"signer_outer"`
	InnerSignature []byte        `json:"inner_signature"`
	OuterSignature []byte        `json:"outer_signature"`
	Timestamp      time.Time     `json:"timestamp"`
	ChainVerified  bool          `json:"chain_verified"`
}

// Tombstone records the authorized removal of an artifact. Artifacts are
// never deleted silently; removal is itself a signed, ledger-recorded act.
type Tombstone struct {
	ArtifactDigest digest.Digest `json:"artifact_digest"`
	Actor          string        `json:"actor"`
	Reason         string        `json:"reason"`
	RemovedAt      time.Time     `json:"removed_at"`
}
