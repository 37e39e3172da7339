package gateway

import (
	"context"
	"time"

	"github.com/meigma/custody"
	"github.com/meigma/custody/ledger"
)

// complianceGapEvent is the ledger payload for a waived violation whose
// waiver expired after the artifact was promoted.
type complianceGapEvent struct {
	TrackingID     string    `json:"tracking_id"`
	ArtifactDigest string    `json:"artifact_digest"`
	Fingerprint    string    `json:"fingerprint"`
	WaivedBy       string    `json:"waived_by"`
	ExpiredAt      time.Time `json:"expired_at"`
}

// SweepCompliance flags promoted artifacts whose waivers have since
// expired. The artifact stays promoted; the gap is ledger-recorded once
// per (promotion, finding) so an auditor sees that the basis for the
// promotion no longer holds. Returns the number of new gaps recorded.
func (g *Gateway) SweepCompliance(ctx context.Context, now time.Time) (int, error) {
	// One sweep at a time, so an unmarked gap cannot be appended twice by
	// overlapping sweeps.
	g.sweepMu.Lock()
	defer g.sweepMu.Unlock()

	byFinding := make(map[string]custody.Waiver)
	g.waiverMu.RLock()
	for _, w := range g.waivers {
		if cur, ok := byFinding[w.FindingRef]; ok && cur.ExpiresAt.After(w.ExpiresAt) {
			continue
		}
		byFinding[w.FindingRef] = w
	}
	g.waiverMu.RUnlock()

	type gap struct {
		key         string
		result      *Result
		fingerprint string
		waiver      custody.Waiver
	}
	var gaps []gap

	g.mu.RLock()
	for _, r := range g.results {
		if r.State != StatePromoted && r.State != StateMaskedPromoted {
			continue
		}
		if r.Verdict == nil {
			continue
		}
		for _, v := range r.Verdict.Violations {
			if v.WaivedBy == "" {
				continue
			}
			w, ok := byFinding[v.Fingerprint]
			if !ok || w.Active(now) {
				continue
			}
			key := r.TrackingID + "\x00" + v.Fingerprint
			if _, seen := g.gapped[key]; seen {
				continue
			}
			gaps = append(gaps, gap{key: key, result: r, fingerprint: v.Fingerprint, waiver: w})
		}
	}
	g.mu.RUnlock()

	recorded := 0
	for _, gp := range gaps {
		if _, err := g.append(ctx, ledger.EventComplianceGap, complianceGapEvent{
			TrackingID:     gp.result.TrackingID,
			ArtifactDigest: gp.result.ArtifactDigest.String(),
			Fingerprint:    gp.fingerprint,
			WaivedBy:       gp.waiver.Reviewer,
			ExpiredAt:      gp.waiver.ExpiresAt,
		}); err != nil {
			// Not marked seen: the next sweep retries this gap instead of
			// losing the audit event.
			return recorded, err
		}

		// Deduplicate only once the ledger has acknowledged the entry.
		g.mu.Lock()
		g.gapped[gp.key] = struct{}{}
		g.mu.Unlock()
		recorded++

		g.log().Warn("compliance gap recorded",
			"tracking_id", gp.result.TrackingID,
			"fingerprint", gp.fingerprint,
			"expired_at", gp.waiver.ExpiresAt)
	}
	return recorded, nil
}
