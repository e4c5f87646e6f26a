package artifact

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLProducer_Produce(t *testing.T) {
	producer := NewHTMLProducer(HTMLConfig{
		WorkDir:      t.TempDir(),
		AssetBaseURL: "https://assets.example.com/tokens",
		RenderRootID: "sale-card",
	})

	path, err := producer.Produce(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".html"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	doc, err := goquery.NewDocumentFromReader(f)
	require.NoError(t, err)

	root := doc.Find("#sale-card")
	require.Equal(t, 1, root.Length())

	src, ok := root.Find("img").Attr("src")
	require.True(t, ok)
	assert.Equal(t, "https://assets.example.com/tokens/42", src)
}
