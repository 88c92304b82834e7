package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(New(KindEmptySeedSet, "seed_resolver", "", ErrEmptySeedSet)))
	assert.True(t, Recoverable(New(KindRateLimited, "embed_gateway", "", ErrRateLimited)))
	assert.False(t, Recoverable(New(KindIndexMissing, "graph_store", "", ErrIndexMissing)))
	assert.False(t, Recoverable(New(KindTimeout, "ppr", "", ErrTimeout)))
}

func TestErrorUnwrap(t *testing.T) {
	wrapped := New(KindIndexMissing, "graph_store", "sentence_embeddings_v2", ErrIndexMissing)
	require.ErrorIs(t, wrapped, ErrIndexMissing)
	assert.Contains(t, wrapped.Error(), "sentence_embeddings_v2")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidRequest: 400,
		KindUnauthenticated: 401,
		KindNotAuthorised:  403,
		KindIndexMissing:   500,
		KindRateLimited:    429,
		KindTimeout:        504,
		KindCancelled:      499,
	}
	for k, want := range cases {
		assert.Equal(t, want, HTTPStatus(k), "kind %s", k)
	}
}

func TestWrappedErrorsAreDistinguishable(t *testing.T) {
	err := New(KindProviderError, "embed_gateway", "openai", ErrProviderError)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, ErrProviderError))
}
