package signature

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"
)

// KeySet is an immutable snapshot of the trusted verifiers for one role.
// Its version is a digest over the sorted key IDs, so key rotation is
// detectable by comparing versions.
type KeySet struct {
	role      Role
	verifiers map[string]dsse.Verifier
	version   digest.Digest
}

// NewKeySet builds a key set from dsse verifiers. Key IDs must be unique
// within a set.
func NewKeySet(role Role, verifiers ...dsse.Verifier) (*KeySet, error) {
	if len(verifiers) == 0 {
		return nil, ErrEmptyKeySet
	}

	byID := make(map[string]dsse.Verifier, len(verifiers))
	ids := make([]string, 0, len(verifiers))
	for _, v := range verifiers {
		id, err := v.KeyID()
		if err != nil {
			return nil, fmt.Errorf("signature: key id: %w", err)
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyID, id)
		}
		byID[id] = v
		ids = append(ids, id)
	}

	sort.Strings(ids)
	version := digest.Canonical.FromString(role.String() + "\x00" + strings.Join(ids, "\x00"))

	return &KeySet{
		role:      role,
		verifiers: byID,
		version:   version,
	}, nil
}

// Role returns the role this key set serves.
func (k *KeySet) Role() Role { return k.role }

// Version returns the content-addressed version of the key set.
func (k *KeySet) Version() digest.Digest { return k.version }

// KeyIDs returns the trusted key IDs in sorted order.
func (k *KeySet) KeyIDs() []string {
	ids := make([]string, 0, len(k.verifiers))
	for id := range k.verifiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Verify checks a detached signature over the digest it claims to attest.
// Returns ErrKeyNotFound when the key ID is not trusted by this set and
// ErrInvalid when the signature fails cryptographically.
func (k *KeySet) Verify(ctx context.Context, sig Signature) error {
	v, ok := k.verifiers[sig.KeyID]
	if !ok {
		return fmt.Errorf("%w: %s key %q", ErrKeyNotFound, k.role, sig.KeyID)
	}
	if err := v.Verify(ctx, Payload(sig.Digest), sig.Data); err != nil {
		return fmt.Errorf("%w: %s key %q: %v", ErrInvalid, k.role, sig.KeyID, err)
	}
	return nil
}

// Store holds the current key set per role and supports atomic rotation.
// Workers take a Snapshot for the duration of one verification and check
// it is still current afterward; a verification performed against a rotated
// set is flagged stale rather than silently trusted.
type Store struct {
	mu         sync.RWMutex
	producer   *KeySet
	gatekeeper *KeySet
}

// NewStore creates a key store with the given initial key sets.
func NewStore(producer, gatekeeper *KeySet) (*Store, error) {
	if producer == nil || gatekeeper == nil {
		return nil, ErrEmptyKeySet
	}
	if producer.role != RoleProducer || gatekeeper.role != RoleGatekeeper {
		return nil, fmt.Errorf("signature: key set role mismatch")
	}
	return &Store{producer: producer, gatekeeper: gatekeeper}, nil
}

// Rotate atomically replaces the key set for ks's role.
func (s *Store) Rotate(ks *KeySet) error {
	if ks == nil {
		return ErrEmptyKeySet
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ks.role {
	case RoleProducer:
		s.producer = ks
	case RoleGatekeeper:
		s.gatekeeper = ks
	default:
		return fmt.Errorf("signature: unknown role %d", ks.role)
	}
	return nil
}

// Snapshot is a stable view of both key sets taken at one instant.
type Snapshot struct {
	Producer   *KeySet
	Gatekeeper *KeySet
}

// Snapshot returns the current key sets.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Producer: s.producer, Gatekeeper: s.gatekeeper}
}

// IsCurrent reports whether snap still matches the store's key sets.
// A false result means a rotation happened while snap was in use.
func (s *Store) IsCurrent(snap Snapshot) bool {
	cur := s.Snapshot()
	return cur.Producer.version == snap.Producer.version &&
		cur.Gatekeeper.version == snap.Gatekeeper.version
}
