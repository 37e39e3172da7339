// Package signature validates detached signatures against trusted key
// material. Two independent signer roles exist, producer and gatekeeper,
// each with its own trusted key set, so a single compromised key cannot
// forge a full dual-signature chain.
//
// Key material is pluggable through the dsse.Verifier interface from
// go-securesystemslib; ed25519 and PGP implementations are provided.
package signature

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody"
)

// Sentinel errors. ErrKeyNotFound is deliberately distinct from ErrInvalid:
// an unknown key calls for a trust-store rotation, a cryptographically wrong
// signature is treated as an attack.
var (
	// ErrInvalid is returned when a signature fails cryptographic verification.
	ErrInvalid = fmt.Errorf("%w: signature invalid", custody.ErrIntegrity)

	// ErrKeyNotFound is returned when no trusted key matches the signature's key ID.
	ErrKeyNotFound = fmt.Errorf("%w: signing key not in trust store", custody.ErrIntegrity)

	// ErrEmptyKeySet is returned when a key set is constructed without keys.
	ErrEmptyKeySet = fmt.Errorf("%w: empty key set", custody.ErrConfig)

	// ErrDuplicateKeyID is returned when two keys in one set share an ID.
	ErrDuplicateKeyID = fmt.Errorf("%w: duplicate key id", custody.ErrConfig)
)

// Role identifies which trust store a signature is checked against.
type Role uint8

const (
	// RoleProducer is the inner signer: the party that created the artifact
	// and attests to its content.
	RoleProducer Role = iota + 1

	// RoleGatekeeper is the outer signer: the party that independently
	// re-verified the inner signature and the content digest before co-signing.
	RoleGatekeeper
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleGatekeeper:
		return "gatekeeper"
	default:
		return "unknown"
	}
}

// Signature is a detached signature over a content digest. Digest is the
// digest the signer attested; Data is the raw signature over Payload(Digest).
type Signature struct {
	KeyID  string        `json:"key_id"`
	Digest digest.Digest `json:"digest"`
	Data   []byte        `json:"data"`
}

// Payload is the canonical byte string a signer signs for a content digest.
// Both roles sign the same encoding so the chain check can compare what
// each signer actually saw.
func Payload(dgst digest.Digest) []byte {
	return []byte(dgst)
}
