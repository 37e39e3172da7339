package signature

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ED25519Verifier verifies ed25519 signatures. It implements dsse.Verifier,
// so it can serve both detached-signature checks and DSSE envelope
// verification.
type ED25519Verifier struct {
	keyID string
	pub   ed25519.PublicKey
}

// NewED25519Verifier creates a verifier for one public key. If keyID is
// empty, the digest of the public key bytes is used.
func NewED25519Verifier(keyID string, pub ed25519.PublicKey) (*ED25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signature: invalid ed25519 public key length %d", len(pub))
	}
	if keyID == "" {
		keyID = digest.Canonical.FromBytes(pub).String()
	}
	return &ED25519Verifier{keyID: keyID, pub: pub}, nil
}

// Verify implements dsse.Verifier.
func (v *ED25519Verifier) Verify(_ context.Context, data, sig []byte) error {
	if !ed25519.Verify(v.pub, data, sig) {
		return errors.New("ed25519 verification failed")
	}
	return nil
}

// KeyID implements dsse.Verifier.
func (v *ED25519Verifier) KeyID() (string, error) { return v.keyID, nil }

// Public implements dsse.Verifier.
func (v *ED25519Verifier) Public() crypto.PublicKey { return v.pub }

// ED25519Signer signs payloads with an ed25519 private key. It implements
// dsse.Signer and produces detached Signatures for chain verification.
// Producers and gatekeepers run this on their side; the pipeline itself
// only verifies.
type ED25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

// NewED25519Signer creates a signer. If keyID is empty, the digest of the
// corresponding public key is used, matching NewED25519Verifier.
func NewED25519Signer(keyID string, priv ed25519.PrivateKey) (*ED25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signature: invalid ed25519 private key length %d", len(priv))
	}
	if keyID == "" {
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("signature: ed25519 public key derivation failed")
		}
		keyID = digest.Canonical.FromBytes(pub).String()
	}
	return &ED25519Signer{keyID: keyID, priv: priv}, nil
}

// Sign implements dsse.Signer.
func (s *ED25519Signer) Sign(_ context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// KeyID implements dsse.Signer.
func (s *ED25519Signer) KeyID() (string, error) { return s.keyID, nil }

// SignDigest produces a detached Signature attesting a content digest.
func (s *ED25519Signer) SignDigest(ctx context.Context, dgst digest.Digest) (Signature, error) {
	data, err := s.Sign(ctx, Payload(dgst))
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyID: s.keyID, Digest: dgst, Data: data}, nil
}
