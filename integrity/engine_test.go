package integrity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/custody"
)

func TestEngine_FromReader(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("custody"), 1000)
	want := digest.Canonical.FromBytes(payload)

	tests := []struct {
		name      string
		chunkSize int
	}{
		{name: "single chunk", chunkSize: len(payload) + 1},
		{name: "many small chunks", chunkSize: 16},
		{name: "default chunk size", chunkSize: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := New(WithChunkSize(tt.chunkSize))
			got, n, err := e.FromReader(context.Background(), bytes.NewReader(payload))
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, int64(len(payload)), n)
		})
	}
}

func TestEngine_FromReader_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(WithChunkSize(8))
	_, _, err := e.FromReader(ctx, strings.NewReader("never digested"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngine_FromReader_ReadError(t *testing.T) {
	t.Parallel()

	e := New()
	_, _, err := e.FromReader(context.Background(), iotest{})
	require.Error(t, err)
}

type iotest struct{}

func (iotest) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestEngine_Verify(t *testing.T) {
	t.Parallel()

	payload := []byte("artifact bytes")
	good := digest.Canonical.FromBytes(payload)
	bad := digest.Canonical.FromBytes([]byte("other bytes"))

	e := New()

	t.Run("match", func(t *testing.T) {
		t.Parallel()

		got, n, err := e.Verify(context.Background(), bytes.NewReader(payload), good)
		require.NoError(t, err)
		assert.Equal(t, good, got)
		assert.Equal(t, int64(len(payload)), n)
	})

	t.Run("mismatch", func(t *testing.T) {
		t.Parallel()

		got, _, err := e.Verify(context.Background(), bytes.NewReader(payload), bad)
		require.ErrorIs(t, err, ErrDigestMismatch)
		assert.True(t, errors.Is(err, custody.ErrIntegrity))
		assert.Equal(t, good, got)
	})
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a := digest.Canonical.FromBytes([]byte("a"))
	b := digest.Canonical.FromBytes([]byte("b"))

	assert.True(t, Equal(a, a))
	assert.False(t, Equal(a, b))
	assert.False(t, Equal(a, ""))
}
