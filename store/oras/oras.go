// Package oras adapts an ORAS content.Storage to the curated store
// contract, so the trusted tier can live in an OCI registry or any other
// ORAS-compatible content-addressed target.
//
// Payload bytes live in the ORAS target, which verifies content against the
// expected descriptor while streaming. Promotion metadata is kept in a
// local index keyed by digest; the target itself stays a plain CAS.
package oras

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"

	"github.com/meigma/custody"
	"github.com/meigma/custody/store"
)

// Store implements store.Curated over an ORAS content.Storage.
type Store struct {
	target content.Storage
	logger *slog.Logger

	mu   sync.RWMutex
	meta map[digest.Digest]store.Metadata
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for store operations. If not set, logging is
// disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a curated store backed by target.
func New(target content.Storage, opts ...Option) (*Store, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil oras target", custody.ErrConfig)
	}
	s := &Store{
		target: target,
		meta:   make(map[digest.Digest]store.Metadata),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Put implements store.Curated. The target verifies the payload against
// the expected descriptor while streaming.
func (s *Store) Put(ctx context.Context, meta store.Metadata, r io.Reader) error {
	if err := meta.Descriptor.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: curated put without digest: %v", custody.ErrConfig, err)
	}

	err := s.target.Push(ctx, meta.Descriptor, r)
	switch {
	case err == nil:
	case errors.Is(err, errdef.ErrAlreadyExists):
		// Content-addressed: an existing digest is already this payload.
	case errors.Is(err, content.ErrMismatchedDigest):
		return fmt.Errorf("%w: payload does not match descriptor digest %s",
			custody.ErrIntegrity, meta.Descriptor.Digest)
	default:
		return fmt.Errorf("%w: oras push: %v", custody.ErrTransient, err)
	}

	s.mu.Lock()
	s.meta[meta.Descriptor.Digest] = meta
	s.mu.Unlock()

	s.log().Debug("curated payload pushed",
		"digest", meta.Descriptor.Digest.String(),
		"size", meta.Descriptor.Size)
	return nil
}

// Exists implements store.Curated.
func (s *Store) Exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	desc, ok := s.descriptor(dgst)
	if !ok {
		desc = ocispec.Descriptor{Digest: dgst}
	}
	exists, err := s.target.Exists(ctx, desc)
	if err != nil {
		return false, fmt.Errorf("%w: oras exists: %v", custody.ErrTransient, err)
	}
	return exists, nil
}

// Get implements store.Curated.
func (s *Store) Get(ctx context.Context, dgst digest.Digest) (io.ReadCloser, store.Metadata, error) {
	s.mu.RLock()
	meta, ok := s.meta[dgst]
	s.mu.RUnlock()
	if !ok {
		return nil, store.Metadata{}, store.ErrNotFound
	}

	rc, err := s.target.Fetch(ctx, meta.Descriptor)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return nil, store.Metadata{}, store.ErrNotFound
		}
		return nil, store.Metadata{}, fmt.Errorf("%w: oras fetch: %v", custody.ErrTransient, err)
	}
	return rc, meta, nil
}

func (s *Store) descriptor(dgst digest.Digest) (ocispec.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[dgst]
	return meta.Descriptor, ok
}

var _ store.Curated = (*Store)(nil)
