package oras

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content/memory"

	"github.com/meigma/custody"
	"github.com/meigma/custody/store"
)

func testMetadata(payload []byte) store.Metadata {
	return store.Metadata{
		Descriptor: ocispec.Descriptor{
			MediaType: "application/octet-stream",
			Digest:    digest.Canonical.FromBytes(payload),
			Size:      int64(len(payload)),
		},
		Intake: custody.IntakeMetadata{
			SourceKey:        "scan/artifact-1",
			DeclaredDigest:   digest.Canonical.FromBytes(payload),
			ProducerIdentity: "producer-1",
			Tier:             "standard",
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(memory.New())
	require.NoError(t, err)

	payload := []byte("promoted artifact payload")
	meta := testMetadata(payload)

	exists, err := s.Exists(ctx, meta.Descriptor.Digest)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Put(ctx, meta, bytes.NewReader(payload)))

	exists, err = s.Exists(ctx, meta.Descriptor.Digest)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, got, err := s.Get(ctx, meta.Descriptor.Digest)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	assert.Equal(t, payload, data)
	assert.Equal(t, meta, got)
}

func TestStore_PutMismatchedPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(memory.New())
	require.NoError(t, err)

	// Same length, different content, so the failure is the digest check.
	meta := testMetadata(bytes.Repeat([]byte("a"), 32))
	err = s.Put(ctx, meta, bytes.NewReader(bytes.Repeat([]byte("b"), 32)))
	require.Error(t, err)
	assert.ErrorIs(t, err, custody.ErrIntegrity)
}

func TestStore_PutIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(memory.New())
	require.NoError(t, err)

	payload := []byte("same payload twice")
	meta := testMetadata(payload)

	require.NoError(t, s.Put(ctx, meta, bytes.NewReader(payload)))
	require.NoError(t, s.Put(ctx, meta, bytes.NewReader(payload)))
}

func TestStore_GetUnknownDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(memory.New())
	require.NoError(t, err)

	_, _, err = s.Get(ctx, digest.Canonical.FromString("never stored"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestNew_NilTarget(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, custody.ErrConfig)
}
