package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/custody"
)

func TestErrNotFound_FailsFast(t *testing.T) {
	t.Parallel()

	// A missing key is a bad reference, not an outage: callers must not
	// burn a retry budget on it.
	require.ErrorIs(t, ErrNotFound, custody.ErrConfig)
	assert.False(t, custody.IsRetryable(ErrNotFound))
}
