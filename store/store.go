// Package store defines the storage tiers the promotion pipeline moves
// artifacts between: an untrusted landing area, a curated trusted store,
// and a quarantine hold.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/meigma/custody"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no payload exists for the given key. An
	// absent key is an unresolvable reference, not a storage outage, so it
	// is never retried.
	ErrNotFound = fmt.Errorf("%w: not found in store", custody.ErrConfig)
)

// Annotation keys attached to promoted artifacts.
const (
	// AnnotationVerificationRecord references the ledger entry holding the
	// artifact's verification record.
	AnnotationVerificationRecord = "custody.verification-record"

	// AnnotationOriginalDigest preserves the pre-masking digest when a
	// privacy transform rewrote the payload during promotion.
	AnnotationOriginalDigest = "custody.original-digest"

	// AnnotationManifestDigest records the manifest the artifact was
	// promoted under.
	AnnotationManifestDigest = "custody.manifest-digest"
)

// Metadata travels with a payload into the curated tier. The descriptor is
// the content address of the stored bytes; intake metadata is preserved
// from the landing area.
type Metadata struct {
	Descriptor  ocispec.Descriptor     `json:"descriptor"`
	Intake      custody.IntakeMetadata `json:"intake"`
	Annotations map[string]string      `json:"annotations,omitempty"`
}

// Landing is the untrusted intake area. Payloads are keyed by the source
// key assigned at ingestion; nothing read from here is trusted until the
// gates pass.
type Landing interface {
	// Put lands a payload with its intake metadata.
	Put(ctx context.Context, meta custody.IntakeMetadata, r io.Reader) error

	// Get opens a landed payload. Promotion may read the same payload more
	// than once (digest pass, then copy), so Get must be repeatable.
	Get(ctx context.Context, sourceKey string) (io.ReadCloser, custody.IntakeMetadata, error)

	// Remove deletes a landed payload after promotion or quarantine has
	// preserved it elsewhere.
	Remove(ctx context.Context, sourceKey string) error
}

// Curated is the trusted tier. Content-addressed: a digest, once written,
// is immutable.
type Curated interface {
	// Put stores a verified payload. The payload must match
	// meta.Descriptor.Digest; implementations verify while writing.
	Put(ctx context.Context, meta Metadata, r io.Reader) error

	// Exists reports whether a digest is already promoted.
	Exists(ctx context.Context, dgst digest.Digest) (bool, error)

	// Get opens a promoted payload with its metadata.
	Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, Metadata, error)
}

// Quarantine holds artifacts that failed a gate, pending human action.
type Quarantine interface {
	// Hold preserves a failed payload with the reason it was quarantined.
	Hold(ctx context.Context, meta custody.IntakeMetadata, reason string, r io.Reader) error
}
