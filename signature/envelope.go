package signature

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/dsse"

	"github.com/meigma/custody"
)

// WaiverPayloadType is the DSSE payload type for signed waivers.
const WaiverPayloadType = "application/vnd.custody.waiver+json"

// SealWaiver wraps a waiver in a signed DSSE envelope. Reviewers run this on
// their side; the pipeline records and verifies, it never signs waivers.
func SealWaiver(ctx context.Context, w *custody.Waiver, signer dsse.Signer) (*dsse.Envelope, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("signature: marshal waiver: %w", err)
	}

	es, err := dsse.NewEnvelopeSigner(signer)
	if err != nil {
		return nil, fmt.Errorf("signature: envelope signer: %w", err)
	}

	env, err := es.SignPayload(ctx, WaiverPayloadType, body)
	if err != nil {
		return nil, fmt.Errorf("signature: sign waiver: %w", err)
	}
	return env, nil
}

// OpenWaiver verifies a waiver envelope against the given key set and
// returns the waiver it carries. The envelope must be signed by at least
// one trusted key.
func OpenWaiver(ctx context.Context, env *dsse.Envelope, ks *KeySet) (*custody.Waiver, error) {
	if env.PayloadType != WaiverPayloadType {
		return nil, fmt.Errorf("%w: unexpected payload type %q", ErrInvalid, env.PayloadType)
	}

	verifiers := make([]dsse.Verifier, 0, len(ks.verifiers))
	for _, id := range ks.KeyIDs() {
		verifiers = append(verifiers, ks.verifiers[id])
	}

	ev, err := dsse.NewEnvelopeVerifier(verifiers...)
	if err != nil {
		return nil, fmt.Errorf("signature: envelope verifier: %w", err)
	}
	if _, err := ev.Verify(ctx, env); err != nil {
		return nil, fmt.Errorf("%w: waiver envelope: %v", ErrInvalid, err)
	}

	body, err := env.DecodeB64Payload()
	if err != nil {
		return nil, fmt.Errorf("signature: decode waiver payload: %w", err)
	}

	var w custody.Waiver
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("signature: unmarshal waiver: %w", err)
	}
	if w.FindingRef == "" || w.Reviewer == "" {
		return nil, fmt.Errorf("%w: waiver missing finding_ref or reviewer", custody.ErrConfig)
	}
	return &w, nil
}
