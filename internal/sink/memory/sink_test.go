package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

func TestSinkRecordsAndFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	links := []string{"https://a.example/x"}
	require.NoError(t, s.Write(ctx, crawler.ExtractedDocument{SourceURL: "https://a.example/", ExtractedLinks: links}))
	links[0] = "mutated"

	s.FailNext(1)
	require.ErrorIs(t, s.Write(ctx, crawler.ExtractedDocument{}), crawler.ErrSinkUnavailable)
	require.NoError(t, s.Write(ctx, crawler.ExtractedDocument{SourceURL: "https://a.example/2"}))

	docs := s.Documents()
	require.Len(t, docs, 2)
	require.Equal(t, "https://a.example/x", docs[0].ExtractedLinks[0])

	require.NoError(t, s.Close(ctx))
	require.ErrorIs(t, s.Write(ctx, crawler.ExtractedDocument{}), crawler.ErrSinkUnavailable)
	require.Equal(t, 2, s.Len())
}
