package catalog_test

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vecthash/embedcache/internal/catalog"
)

const sample = `# model catalog
minilm 384 1
bigmodel 1536 0

# trailing comment
garbage line here extra
badtdim notanumber 1
`

func TestParse(t *testing.T) {
	c, err := catalog.Parse(strings.NewReader(sample), zerolog.Nop())
	require.NoError(t, err)

	dim, ok := c.Dimension("minilm")
	require.True(t, ok)
	require.Equal(t, 384, dim)

	autoload, ok := c.Autoload("minilm")
	require.True(t, ok)
	require.True(t, autoload)

	autoload, ok = c.Autoload("bigmodel")
	require.True(t, ok)
	require.False(t, autoload)

	require.False(t, c.Known("garbage"))
	require.False(t, c.Known("badtdim"))
	require.False(t, c.Known("nope"))

	require.ElementsMatch(t, []string{"minilm"}, c.AutoloadNames())
	require.ElementsMatch(t, []string{"minilm", "bigmodel"}, c.Names())
}

func TestDimensionUnknownModel(t *testing.T) {
	c, err := catalog.Parse(strings.NewReader(sample), zerolog.Nop())
	require.NoError(t, err)

	_, ok := c.Dimension("nope")
	require.False(t, ok)
}
