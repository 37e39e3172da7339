package signature

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody/integrity"
)

// ChainResult is the outcome of a dual-signature chain check. ChainVerified
// is true only when both signatures validate against their role's trusted
// keys and both signers attested the expected digest.
type ChainResult struct {
	InnerValid    bool
	OuterValid    bool
	DigestMatch   bool
	ChainVerified bool

	// InnerErr and OuterErr preserve the per-role failure so callers can
	// distinguish an untrusted key (ErrKeyNotFound) from a forged signature
	// (ErrInvalid).
	InnerErr error
	OuterErr error
}

// Err returns the first per-role failure, inner before outer, or nil.
func (r ChainResult) Err() error {
	if r.InnerErr != nil {
		return r.InnerErr
	}
	return r.OuterErr
}

// VerifyChain checks the dual-signature chain for a content digest: the
// producer's inner signature, the gatekeeper's outer signature, and that
// the digest each signer saw equals dgst. Purely functional over its inputs
// and the key-store snapshot.
func VerifyChain(ctx context.Context, dgst digest.Digest, inner, outer Signature, snap Snapshot) ChainResult {
	var res ChainResult

	res.InnerErr = snap.Producer.Verify(ctx, inner)
	res.InnerValid = res.InnerErr == nil

	res.OuterErr = snap.Gatekeeper.Verify(ctx, outer)
	res.OuterValid = res.OuterErr == nil

	res.DigestMatch = integrity.Equal(dgst, inner.Digest) && integrity.Equal(dgst, outer.Digest)

	res.ChainVerified = res.InnerValid && res.OuterValid && res.DigestMatch
	return res
}
