package signature

import (
	"bytes"
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// PGPVerifier verifies detached (binary or armored) PGP signatures against
// a keyring. It implements dsse.Verifier, keyed by the primary key
// fingerprint, so PGP-signing producers can participate in the same trust
// chain as ed25519 signers.
type PGPVerifier struct {
	keyID   string
	keyring openpgp.EntityList
	armored bool
}

// PGPOption configures a PGPVerifier.
type PGPOption func(*PGPVerifier)

// WithArmoredSignatures expects ASCII-armored detached signatures instead of
// binary ones.
func WithArmoredSignatures() PGPOption {
	return func(v *PGPVerifier) {
		v.armored = true
	}
}

// NewPGPVerifier reads an armored public keyring and returns a verifier for
// it. The key ID is the hex fingerprint of the first entity's primary key.
func NewPGPVerifier(armoredKeyring io.Reader, opts ...PGPOption) (*PGPVerifier, error) {
	entities, err := openpgp.ReadArmoredKeyRing(armoredKeyring)
	if err != nil {
		return nil, fmt.Errorf("signature: read pgp keyring: %w", err)
	}
	if len(entities) == 0 {
		return nil, errors.New("signature: pgp keyring contains no keys")
	}

	v := &PGPVerifier{
		keyID:   hex.EncodeToString(entities[0].PrimaryKey.Fingerprint),
		keyring: entities,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify implements dsse.Verifier.
func (v *PGPVerifier) Verify(_ context.Context, data, sig []byte) error {
	var err error
	if v.armored {
		_, err = openpgp.CheckArmoredDetachedSignature(
			v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(
			v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	}
	if err != nil {
		return fmt.Errorf("pgp verification failed: %w", err)
	}
	return nil
}

// KeyID implements dsse.Verifier.
func (v *PGPVerifier) KeyID() (string, error) { return v.keyID, nil }

// Public implements dsse.Verifier.
func (v *PGPVerifier) Public() crypto.PublicKey {
	return v.keyring[0].PrimaryKey.PublicKey
}
