package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/custody"
)

func TestWaiverEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewED25519Signer("reviewer-1", priv)
	require.NoError(t, err)
	verifier, err := NewED25519Verifier("reviewer-1", pub)
	require.NoError(t, err)
	ks, err := NewKeySet(RoleGatekeeper, verifier)
	require.NoError(t, err)

	w := &custody.Waiver{
		FindingRef:    "fp-123",
		Reviewer:      "alice@example.com",
		Justification: "known false positive in vendored code",
		ExpiresAt:     time.Now().Add(24 * time.Hour).UTC(),
	}

	env, err := SealWaiver(ctx, w, signer)
	require.NoError(t, err)

	got, err := OpenWaiver(ctx, env, ks)
	require.NoError(t, err)
	assert.Equal(t, w.FindingRef, got.FindingRef)
	assert.Equal(t, w.Reviewer, got.Reviewer)
	assert.WithinDuration(t, w.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestOpenWaiver_UntrustedSigner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, roguePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rogue, err := NewED25519Signer("rogue", roguePriv)
	require.NoError(t, err)

	trustedPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	trusted, err := NewED25519Verifier("reviewer-1", trustedPub)
	require.NoError(t, err)
	ks, err := NewKeySet(RoleGatekeeper, trusted)
	require.NoError(t, err)

	w := &custody.Waiver{
		FindingRef: "fp-123",
		Reviewer:   "mallory",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	env, err := SealWaiver(ctx, w, rogue)
	require.NoError(t, err)

	_, err = OpenWaiver(ctx, env, ks)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestOpenWaiver_WrongPayloadType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewED25519Signer("reviewer-1", priv)
	require.NoError(t, err)
	verifier, err := NewED25519Verifier("reviewer-1", pub)
	require.NoError(t, err)
	ks, err := NewKeySet(RoleGatekeeper, verifier)
	require.NoError(t, err)

	env, err := SealWaiver(ctx, &custody.Waiver{
		FindingRef: "fp-1",
		Reviewer:   "alice",
		ExpiresAt:  time.Now().Add(time.Hour),
	}, signer)
	require.NoError(t, err)
	env.PayloadType = "application/json"

	_, err = OpenWaiver(ctx, env, ks)
	require.ErrorIs(t, err, ErrInvalid)
}
