package catalog_test

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/internal/catalog"
)

func TestDeterministicEncoder_SameInputsSameVector(t *testing.T) {
	c, err := catalog.Parse(strings.NewReader("minilm 8 1\n"), zerolog.Nop())
	require.NoError(t, err)

	enc := catalog.NewDeterministicEncoder(c)

	v1, err := enc.Encode(context.Background(), "minilm", "hello")
	require.NoError(t, err)
	require.Len(t, v1, 8)

	v2, err := enc.Encode(context.Background(), "minilm", "hello")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
}

func TestDeterministicEncoder_DifferentDocumentsDifferentVectors(t *testing.T) {
	c, err := catalog.Parse(strings.NewReader("minilm 8 1\n"), zerolog.Nop())
	require.NoError(t, err)

	enc := catalog.NewDeterministicEncoder(c)

	v1, err := enc.Encode(context.Background(), "minilm", "hello")
	require.NoError(t, err)

	v2, err := enc.Encode(context.Background(), "minilm", "world")
	require.NoError(t, err)

	require.NotEqual(t, v1, v2)
}

func TestDeterministicEncoder_UnknownModel(t *testing.T) {
	c, err := catalog.Parse(strings.NewReader("minilm 8 1\n"), zerolog.Nop())
	require.NoError(t, err)

	enc := catalog.NewDeterministicEncoder(c)

	_, err = enc.Encode(context.Background(), "nope", "hello")
	require.Error(t, err)

	_, ok := enc.Dimension("nope")
	require.False(t, ok)
}
