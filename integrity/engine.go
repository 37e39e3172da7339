// Package integrity computes and compares content digests for artifacts and
// ledger entries. Comparison is constant-time because digests gate trust
// decisions.
package integrity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/custody"
)

// ErrDigestMismatch is returned when content does not match its expected digest.
var ErrDigestMismatch = fmt.Errorf("%w: digest mismatch", custody.ErrIntegrity)

const defaultChunkSize = 1 << 20 // 1MiB

// Engine computes content digests. The zero value is not usable; use New.
type Engine struct {
	algorithm digest.Algorithm
	chunkSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithAlgorithm sets the digest algorithm. Defaults to digest.Canonical (SHA-256).
func WithAlgorithm(alg digest.Algorithm) Option {
	return func(e *Engine) {
		e.algorithm = alg
	}
}

// WithChunkSize sets the streaming chunk size for reader-based digesting.
// Payloads larger than one chunk are never buffered whole. Defaults to 1MiB.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// New creates a digest engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		algorithm: digest.Canonical,
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromBytes computes the digest of an in-memory payload.
func (e *Engine) FromBytes(p []byte) digest.Digest {
	return e.algorithm.FromBytes(p)
}

// FromReader computes the digest of r incrementally, one chunk at a time.
// The context is checked between chunks so digesting a large payload can be
// cancelled. Returns the digest and the number of bytes consumed.
func (e *Engine) FromReader(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	digester := e.algorithm.Digester()
	buf := make([]byte, e.chunkSize)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := digester.Hash().Write(buf[:n]); werr != nil {
				return "", total, werr
			}
		}
		if err == io.EOF {
			return digester.Digest(), total, nil
		}
		if err != nil {
			return "", total, err
		}
	}
}

// Verify digests r and compares the result against want. A mismatch returns
// ErrDigestMismatch; the computed digest and byte count are returned either way.
func (e *Engine) Verify(ctx context.Context, r io.Reader, want digest.Digest) (digest.Digest, int64, error) {
	got, n, err := e.FromReader(ctx, r)
	if err != nil {
		return got, n, err
	}
	if !Equal(want, got) {
		return got, n, fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, want, got)
	}
	return got, n, nil
}

// Equal compares two digests in constant time.
func Equal(want, got digest.Digest) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
