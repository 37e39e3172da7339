package gateway

import (
	"context"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/dsse"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/custody"
	"github.com/meigma/custody/ledger"
	"github.com/meigma/custody/signature"
)

// waiverEvent is the ledger payload for waiver decisions.
type waiverEvent struct {
	TrackingID    string         `json:"tracking_id,omitempty"`
	Waiver        custody.Waiver `json:"waiver"`
	Justification string         `json:"justification,omitempty"`
}

// RecordWaiver accepts a reviewer's signed waiver envelope. The envelope
// must verify against the current gatekeeper key set; an unverifiable
// envelope is rejected without touching held promotions. Recording the
// waiver re-evaluates every held promotion, so a waiver that satisfies the
// blocking violation releases the artifact without a new request.
func (g *Gateway) RecordWaiver(ctx context.Context, env *dsse.Envelope) (*custody.Waiver, error) {
	snap := g.keys.Snapshot()
	w, err := signature.OpenWaiver(ctx, env, snap.Gatekeeper)
	if err != nil {
		return nil, err
	}

	if _, err := g.append(ctx, ledger.EventWaiverRecorded, waiverEvent{Waiver: *w}); err != nil {
		return nil, err
	}

	g.waiverMu.Lock()
	g.waivers = append(g.waivers, *w)
	g.waiverMu.Unlock()

	g.log().Info("waiver recorded",
		"finding", w.FindingRef,
		"reviewer", w.Reviewer,
		"expires_at", w.ExpiresAt)

	g.recheckHeld(ctx)
	return w, nil
}

// Reject closes a held promotion without a waiver. The rejection is
// ledger-recorded and the artifact moves to quarantine with reason
// policy_violation.
func (g *Gateway) Reject(ctx context.Context, trackingID, reviewer, justification string) (*Result, error) {
	g.mu.RLock()
	h, ok := g.held[trackingID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotHeld, trackingID)
	}

	// The promotion stays parked until the rejection is ledger-acknowledged,
	// so a failed append leaves it rejectable (or waivable) rather than
	// stranded in a state nothing can reach.
	if _, err := g.append(ctx, ledger.EventWaiverRejected, waiverEvent{
		TrackingID:    trackingID,
		Waiver:        custody.Waiver{Reviewer: reviewer},
		Justification: justification,
	}); err != nil {
		return nil, err
	}

	if !g.take(trackingID) {
		// A concurrent waiver or rejection released it first.
		return nil, fmt.Errorf("%w: %s", ErrNotHeld, trackingID)
	}

	detail := "review rejected"
	if justification != "" {
		detail = "review rejected: " + justification
	}
	return g.quarantineArtifact(ctx, h.id, h.req, h.intake, ReasonPolicyViolation, detail, h.record, nil)
}

// Held lists the tracking IDs currently parked for review.
func (g *Gateway) Held() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.held))
	for id := range g.held {
		out = append(out, id)
	}
	return out
}

// Run consumes ledger watch notifications until ctx is cancelled,
// re-evaluating held promotions when waiver activity lands from another
// writer. RecordWaiver already rechecks locally; Run covers waivers
// recorded out of process.
func (g *Gateway) Run(ctx context.Context) error {
	events, cancel := g.ledger.Watch(16)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-events:
			if !ok {
				return nil
			}
			if entry.EventType == ledger.EventWaiverRecorded {
				g.recheckHeld(ctx)
			}
		}
	}
}

func (g *Gateway) park(h *heldPromotion) {
	g.mu.Lock()
	g.held[h.id] = h
	g.mu.Unlock()
}

// take removes a promotion from the held map, reporting whether this
// caller won it.
func (g *Gateway) take(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[id]; !ok {
		return false
	}
	delete(g.held, id)
	return true
}

func (g *Gateway) isHeld(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.held[id]
	return ok
}

func (g *Gateway) unpark(id string) {
	g.mu.Lock()
	delete(g.held, id)
	g.mu.Unlock()
}

// recheckHeld re-enters each parked promotion at the policy stage. A
// promotion that still needs review parks again with its updated verdict.
// Re-evaluations run concurrently but failures only log; the promotion
// stays parked and the next waiver event retries it.
func (g *Gateway) recheckHeld(ctx context.Context) {
	g.mu.RLock()
	pending := make([]*heldPromotion, 0, len(g.held))
	for _, h := range g.held {
		pending = append(pending, h)
	}
	g.mu.RUnlock()

	var eg errgroup.Group
	for _, h := range pending {
		eg.Go(func() error {
			// Coalesce with any concurrent recheck of the same promotion.
			_, err, _ := g.flight.Do("recheck\x00"+h.id, func() (any, error) {
				if !g.isHeld(h.id) {
					return nil, nil
				}
				return g.evaluateAndFinish(ctx, h)
			})
			if err != nil {
				g.log().Error("held promotion re-evaluation failed",
					"tracking_id", h.id, "error", err.Error())
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Gateway) snapshotWaivers() []custody.Waiver {
	g.waiverMu.RLock()
	defer g.waiverMu.RUnlock()
	out := make([]custody.Waiver, len(g.waivers))
	copy(out, g.waivers)
	return out
}
