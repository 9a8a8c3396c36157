package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zerologNop() zerolog.Logger { return zerolog.Nop() }

// pageFetcher serves pages by URL and fails for anything else.
type pageFetcher map[string]string

func (f pageFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	page, ok := f[url]
	if !ok {
		return nil, errors.New("status 404")
	}
	return []byte(page), nil
}

const detailListing = `<html><body>
<a href="/events/alpha">Alpha</a>
<a href="/events/alpha#book">Alpha again</a>
<a href="/events/beta">Beta</a>
<a href="/events/missing">Missing</a>
<a href="/events/untitled">Untitled</a>
<a href="/about">About us</a>
<a href="https://other.example.net/events/gamma">Elsewhere</a>
</body></html>`

func detailPages() pageFetcher {
	return pageFetcher{
		"https://example.com/events/alpha": `<html><head>
<meta property="og:image" content="/img/alpha.png"></head><body>
<h1>Alpha Festival</h1>
<time datetime="2025-04-05T18:00:00Z">5 April</time>
<p class="event-venue">Town Hall</p>
<p>Day one.</p><p>Day two.</p><p>Day three.</p><p>Sponsors.</p>
</body></html>`,
		"https://example.com/events/beta": `<html><head>
<meta property="og:title" content="Beta Market"></head><body>
<div>When: Saturday 12 April 2025 to Sunday 13 April 2025</div>
<img src="beta.jpg">
</body></html>`,
		"https://example.com/events/untitled": `<html><body><p>nothing here</p></body></html>`,
	}
}

func TestDetailParser_FollowsLinks(t *testing.T) {
	p := NewDetailParser(detailPages(), DetailOptions{LinkPattern: "/events/", Logger: zerolog.Nop()})
	items, err := p.Parse(context.Background(), []byte(detailListing), "https://example.com/")
	require.NoError(t, err)
	require.Len(t, items, 2)

	alpha := items[0]
	assert.Equal(t, "Alpha Festival", *alpha.Title)
	assert.Equal(t, "https://example.com/events/alpha", *alpha.SourceURL)
	assert.Equal(t, "https://example.com/img/alpha.png", *alpha.ImageURL)
	assert.Equal(t, "Town Hall", *alpha.Venue)
	assert.Equal(t, "Town Hall\n\nDay one.\n\nDay two.", *alpha.Description)
	require.NotNil(t, alpha.StartTime)
	assert.True(t, time.Date(2025, 4, 5, 18, 0, 0, 0, time.UTC).Equal(*alpha.StartTime))

	beta := items[1]
	assert.Equal(t, "Beta Market", *beta.Title)
	assert.Equal(t, "https://example.com/events/beta.jpg", *beta.ImageURL)
	assert.Nil(t, beta.Venue)
	assert.Nil(t, beta.Description)
	require.NotNil(t, beta.StartTime)
	assert.True(t, time.Date(2025, 4, 12, 0, 0, 0, 0, time.UTC).Equal(*beta.StartTime))
}

func TestDetailParser_MaxItems(t *testing.T) {
	p := NewDetailParser(detailPages(), DetailOptions{LinkPattern: "/events/", MaxItems: 1})
	items, err := p.Parse(context.Background(), []byte(detailListing), "https://example.com/")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Alpha Festival", *items[0].Title)
}

func TestDetailParser_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewDetailParser(detailPages(), DetailOptions{LinkPattern: "/events/"})
	items, err := p.Parse(ctx, []byte(detailListing), "https://example.com/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, items)
}
