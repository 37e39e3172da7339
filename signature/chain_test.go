package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testChain builds a key store with one producer and one gatekeeper key and
// returns signers for both roles.
func testChain(t *testing.T) (*Store, *ED25519Signer, *ED25519Signer) {
	t.Helper()

	producerPub, producerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	gatePub, gatePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	producerVerifier, err := NewED25519Verifier("producer-1", producerPub)
	require.NoError(t, err)
	gateVerifier, err := NewED25519Verifier("gatekeeper-1", gatePub)
	require.NoError(t, err)

	producerSet, err := NewKeySet(RoleProducer, producerVerifier)
	require.NoError(t, err)
	gateSet, err := NewKeySet(RoleGatekeeper, gateVerifier)
	require.NoError(t, err)

	store, err := NewStore(producerSet, gateSet)
	require.NoError(t, err)

	producerSigner, err := NewED25519Signer("producer-1", producerPriv)
	require.NoError(t, err)
	gateSigner, err := NewED25519Signer("gatekeeper-1", gatePriv)
	require.NoError(t, err)

	return store, producerSigner, gateSigner
}

func TestVerifyChain_Valid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, producer, gatekeeper := testChain(t)
	dgst := digest.Canonical.FromString("artifact content")

	inner, err := producer.SignDigest(ctx, dgst)
	require.NoError(t, err)
	outer, err := gatekeeper.SignDigest(ctx, dgst)
	require.NoError(t, err)

	res := VerifyChain(ctx, dgst, inner, outer, store.Snapshot())
	assert.True(t, res.InnerValid)
	assert.True(t, res.OuterValid)
	assert.True(t, res.DigestMatch)
	assert.True(t, res.ChainVerified)
	assert.NoError(t, res.Err())
}

func TestVerifyChain_FlippedDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, producer, gatekeeper := testChain(t)
	dgst := digest.Canonical.FromString("artifact content")

	inner, err := producer.SignDigest(ctx, dgst)
	require.NoError(t, err)
	outer, err := gatekeeper.SignDigest(ctx, dgst)
	require.NoError(t, err)

	// Flip one byte of the expected digest.
	raw := []byte(dgst)
	last := len(raw) - 1
	if raw[last] == 'a' {
		raw[last] = 'b'
	} else {
		raw[last] = 'a'
	}
	flipped := digest.Digest(raw)

	res := VerifyChain(ctx, flipped, inner, outer, store.Snapshot())
	assert.False(t, res.DigestMatch)
	assert.False(t, res.ChainVerified)
}

func TestVerifyChain_UntrustedInnerKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, _, gatekeeper := testChain(t)
	dgst := digest.Canonical.FromString("artifact content")

	// Inner signature from a key the producer trust store has never seen.
	_, roguePriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rogue, err := NewED25519Signer("rogue-1", roguePriv)
	require.NoError(t, err)

	inner, err := rogue.SignDigest(ctx, dgst)
	require.NoError(t, err)
	outer, err := gatekeeper.SignDigest(ctx, dgst)
	require.NoError(t, err)

	res := VerifyChain(ctx, dgst, inner, outer, store.Snapshot())
	assert.False(t, res.InnerValid)
	assert.True(t, res.OuterValid)
	assert.False(t, res.ChainVerified)
	require.ErrorIs(t, res.Err(), ErrKeyNotFound)
	assert.NotErrorIs(t, res.Err(), ErrInvalid)
}

func TestVerifyChain_ForgedSignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, producer, gatekeeper := testChain(t)
	dgst := digest.Canonical.FromString("artifact content")

	inner, err := producer.SignDigest(ctx, dgst)
	require.NoError(t, err)
	outer, err := gatekeeper.SignDigest(ctx, dgst)
	require.NoError(t, err)

	// Corrupt the inner signature bytes; key ID stays trusted.
	inner.Data[0] ^= 0xff

	res := VerifyChain(ctx, dgst, inner, outer, store.Snapshot())
	assert.False(t, res.InnerValid)
	assert.False(t, res.ChainVerified)
	require.ErrorIs(t, res.Err(), ErrInvalid)
	assert.NotErrorIs(t, res.Err(), ErrKeyNotFound)
}

func TestVerifyChain_SignerDigestDisagreement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, producer, gatekeeper := testChain(t)
	dgst := digest.Canonical.FromString("artifact content")
	other := digest.Canonical.FromString("different content")

	// Outer signer attested a different digest than the inner signer.
	inner, err := producer.SignDigest(ctx, dgst)
	require.NoError(t, err)
	outer, err := gatekeeper.SignDigest(ctx, other)
	require.NoError(t, err)

	res := VerifyChain(ctx, dgst, inner, outer, store.Snapshot())
	assert.True(t, res.InnerValid)
	assert.True(t, res.OuterValid)
	assert.False(t, res.DigestMatch)
	assert.False(t, res.ChainVerified)
}

func TestStore_Rotation(t *testing.T) {
	t.Parallel()

	store, _, _ := testChain(t)
	snap := store.Snapshot()
	assert.True(t, store.IsCurrent(snap))

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	v, err := NewED25519Verifier("producer-2", pub)
	require.NoError(t, err)
	rotated, err := NewKeySet(RoleProducer, v)
	require.NoError(t, err)

	require.NoError(t, store.Rotate(rotated))
	assert.False(t, store.IsCurrent(snap), "stale snapshot must be detectable after rotation")
	assert.True(t, store.IsCurrent(store.Snapshot()))
}

func TestNewKeySet_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewKeySet(RoleProducer)
	require.ErrorIs(t, err, ErrEmptyKeySet)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	a, err := NewED25519Verifier("same-id", pub)
	require.NoError(t, err)
	b, err := NewED25519Verifier("same-id", pub)
	require.NoError(t, err)

	_, err = NewKeySet(RoleProducer, a, b)
	require.ErrorIs(t, err, ErrDuplicateKeyID)
}

func TestKeySet_VersionStable(t *testing.T) {
	t.Parallel()

	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v1, err := NewED25519Verifier("k1", pub1)
	require.NoError(t, err)
	v2, err := NewED25519Verifier("k2", pub2)
	require.NoError(t, err)

	// Version depends on key IDs, not construction order.
	a, err := NewKeySet(RoleProducer, v1, v2)
	require.NoError(t, err)
	b, err := NewKeySet(RoleProducer, v2, v1)
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())

	// Same IDs under a different role version differently.
	c, err := NewKeySet(RoleGatekeeper, v1, v2)
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())
}
