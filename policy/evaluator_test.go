package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/custody"
	"github.com/meigma/custody/manifest"
)

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func finding(fingerprint, severity string, confidence float64) custody.NormalizedFinding {
	return custody.NormalizedFinding{
		Fingerprint: fingerprint,
		Severity:    severity,
		RuleID:      "rule-" + fingerprint,
		Message:     "finding " + fingerprint,
		Confidence:  confidence,
	}
}

func TestEvaluate_Thresholds(t *testing.T) {
	t.Parallel()

	profile := manifest.Profile{
		Name:       "standard",
		Thresholds: manifest.Thresholds{"critical": 0, "high": 5},
	}

	tests := []struct {
		name        string
		findings    []custody.NormalizedFinding
		wantOutcome custody.Outcome
		wantMessage string
	}{
		{
			name:        "no findings passes",
			findings:    nil,
			wantOutcome: custody.OutcomePass,
		},
		{
			name: "three high under threshold of five passes",
			findings: []custody.NormalizedFinding{
				finding("h1", "high", 0.9),
				finding("h2", "high", 0.9),
				finding("h3", "high", 0.9),
			},
			wantOutcome: custody.OutcomePass,
		},
		{
			name: "six high over threshold of five fails",
			findings: []custody.NormalizedFinding{
				finding("h1", "high", 0.9), finding("h2", "high", 0.9),
				finding("h3", "high", 0.9), finding("h4", "high", 0.9),
				finding("h5", "high", 0.9), finding("h6", "high", 0.9),
			},
			wantOutcome: custody.OutcomeFail,
			wantMessage: "high findings exceeded threshold (6 > 5)",
		},
		{
			name:        "one critical over threshold of zero fails",
			findings:    []custody.NormalizedFinding{finding("c1", "critical", 0.99)},
			wantOutcome: custody.OutcomeFail,
			wantMessage: "critical findings exceeded threshold (1 > 0)",
		},
		{
			name:        "unconfigured severity defaults to zero and fails closed",
			findings:    []custody.NormalizedFinding{finding("m1", "medium", 0.9)},
			wantOutcome: custody.OutcomeFail,
		},
		{
			name:        "unmapped severity counts as critical",
			findings:    []custody.NormalizedFinding{finding("x1", "informational-ish", 0.99)},
			wantOutcome: custody.OutcomeFail,
			wantMessage: "critical findings exceeded threshold (1 > 0)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := New(WithClock(fixedClock))
			verdict := e.Evaluate(Request{Profile: profile, Findings: tt.findings})
			assert.Equal(t, tt.wantOutcome, verdict.Outcome)
			if tt.wantMessage != "" {
				require.NotEmpty(t, verdict.Violations)
				assert.Equal(t, tt.wantMessage, verdict.Violations[0].Message)
			}
		})
	}
}

func TestEvaluate_Waivers(t *testing.T) {
	t.Parallel()

	profile := manifest.Profile{
		Name:       "standard",
		Thresholds: manifest.Thresholds{"critical": 0},
	}
	findings := []custody.NormalizedFinding{finding("c1", "critical", 0.99)}

	t.Run("active waiver flips fail to pass", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile:  profile,
			Findings: findings,
			Waivers: []custody.Waiver{{
				FindingRef: "c1",
				Reviewer:   "alice@example.com",
				ExpiresAt:  fixedNow.Add(time.Hour),
			}},
		})
		assert.Equal(t, custody.OutcomePass, verdict.Outcome)
		// The waived violation stays recorded, never silently dropped.
		require.Len(t, verdict.Violations, 1)
		assert.Equal(t, "alice@example.com", verdict.Violations[0].WaivedBy)
		assert.Empty(t, verdict.Unwaived())
	})

	t.Run("expired waiver does not apply", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile:  profile,
			Findings: findings,
			Waivers: []custody.Waiver{{
				FindingRef: "c1",
				Reviewer:   "alice@example.com",
				ExpiresAt:  fixedNow.Add(-time.Minute),
			}},
		})
		assert.Equal(t, custody.OutcomeFail, verdict.Outcome)
		assert.Empty(t, verdict.Violations[0].WaivedBy)
	})

	t.Run("waiver for different fingerprint does not apply", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile:  profile,
			Findings: findings,
			Waivers: []custody.Waiver{{
				FindingRef: "other",
				Reviewer:   "alice@example.com",
				ExpiresAt:  fixedNow.Add(time.Hour),
			}},
		})
		assert.Equal(t, custody.OutcomeFail, verdict.Outcome)
	})

	t.Run("partially waived still fails", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile: profile,
			Findings: []custody.NormalizedFinding{
				finding("c1", "critical", 0.99),
				finding("c2", "critical", 0.99),
			},
			Waivers: []custody.Waiver{{
				FindingRef: "c1",
				Reviewer:   "alice@example.com",
				ExpiresAt:  fixedNow.Add(time.Hour),
			}},
		})
		assert.Equal(t, custody.OutcomeFail, verdict.Outcome)
		assert.Len(t, verdict.Unwaived(), 1)
	})
}

func TestEvaluate_ConfidenceEscalation(t *testing.T) {
	t.Parallel()

	t.Run("low confidence escalates to needs review", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile: manifest.Profile{
				Name:       "standard",
				Thresholds: manifest.Thresholds{"critical": 0},
			},
			Findings: []custody.NormalizedFinding{finding("c1", "critical", 0.5)},
		})
		assert.Equal(t, custody.OutcomeNeedsReview, verdict.Outcome)
	})

	t.Run("high confidence stays fail", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile: manifest.Profile{
				Name:       "standard",
				Thresholds: manifest.Thresholds{"critical": 0},
			},
			Findings: []custody.NormalizedFinding{finding("c1", "critical", 0.9)},
		})
		assert.Equal(t, custody.OutcomeFail, verdict.Outcome)
	})

	t.Run("profile review threshold overrides default", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile: manifest.Profile{
				Name:            "strict",
				Thresholds:      manifest.Thresholds{"critical": 0},
				ReviewThreshold: 0.95,
			},
			Findings: []custody.NormalizedFinding{finding("c1", "critical", 0.9)},
		})
		assert.Equal(t, custody.OutcomeNeedsReview, verdict.Outcome)
	})

	t.Run("waived findings do not escalate", func(t *testing.T) {
		t.Parallel()

		e := New(WithClock(fixedClock))
		verdict := e.Evaluate(Request{
			Profile: manifest.Profile{
				Name:       "standard",
				Thresholds: manifest.Thresholds{"critical": 0},
			},
			Findings: []custody.NormalizedFinding{finding("c1", "critical", 0.5)},
			Waivers: []custody.Waiver{{
				FindingRef: "c1",
				Reviewer:   "alice@example.com",
				ExpiresAt:  fixedNow.Add(time.Hour),
			}},
		})
		assert.Equal(t, custody.OutcomePass, verdict.Outcome)
	})
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()

	profile := manifest.Profile{
		Name:       "standard",
		Thresholds: manifest.Thresholds{"critical": 0, "high": 0},
	}

	var findings []custody.NormalizedFinding
	for i := 0; i < 20; i++ {
		severity := "high"
		if i%3 == 0 {
			severity = "critical"
		}
		findings = append(findings, finding(fmt.Sprintf("f-%02d", i), severity, 0.9))
	}

	req := Request{
		Profile:  profile,
		Findings: findings,
		Waivers: []custody.Waiver{{
			FindingRef: "f-03",
			Reviewer:   "alice@example.com",
			ExpiresAt:  fixedNow.Add(time.Hour),
		}},
	}

	// Re-evaluating the same inputs at any later wall time with the original
	// clock yields a byte-identical verdict.
	first := New(WithClock(fixedClock)).Evaluate(req)
	for i := 0; i < 5; i++ {
		again := New(WithClock(fixedClock)).Evaluate(req)
		assert.Equal(t, first, again)
	}

	// Violations are ordered severity-descending, fingerprint-ascending.
	for i := 1; i < len(first.Violations); i++ {
		prev, cur := first.Violations[i-1], first.Violations[i]
		ok := prev.Severity > cur.Severity ||
			(prev.Severity == cur.Severity && prev.Fingerprint < cur.Fingerprint)
		assert.True(t, ok, "violations out of order at %d", i)
	}
}
