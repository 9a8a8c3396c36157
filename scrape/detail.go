package scrape

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hemant07j07/eventstore"
)

// DetailParser reads a listing page for links to individual event pages and
// fetches each one. Pages that fail to fetch or yield no title are skipped.
type DetailParser struct {
	fetcher  eventstore.Fetcher
	pattern  string
	maxItems int
	loc      *time.Location
	logger   zerolog.Logger
}

// DetailOptions configures a DetailParser.
type DetailOptions struct {
	// LinkPattern is a substring an event link's path must contain.
	LinkPattern string
	// MaxItems caps the detail pages fetched per listing (0 = no cap).
	MaxItems int
	Location *time.Location
	Logger   zerolog.Logger
}

// NewDetailParser returns a link-following parser using f for detail pages.
func NewDetailParser(f eventstore.Fetcher, opts DetailOptions) *DetailParser {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &DetailParser{
		fetcher:  f,
		pattern:  opts.LinkPattern,
		maxItems: opts.MaxItems,
		loc:      opts.Location,
		logger:   opts.Logger,
	}
}

// Parse implements eventstore.Parser.
func (p *DetailParser) Parse(ctx context.Context, body []byte, baseURL string) ([]eventstore.RawItem, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scrape: parsing listing: %w", err)
	}
	links := p.eventLinks(doc, parseBase(baseURL))

	var items []eventstore.RawItem
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		page, err := p.fetcher.Fetch(ctx, link)
		if err != nil {
			p.logger.Warn().Err(err).Str("url", link).Msg("skipping detail page")
			continue
		}
		item, ok := p.parseDetail(page, link)
		if !ok {
			p.logger.Debug().Str("url", link).Msg("detail page has no title")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// eventLinks returns the distinct same-host links matching the pattern, in
// document order.
func (p *DetailParser) eventLinks(doc *html.Node, base *url.URL) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range findAll(doc, isElement(atom.A)) {
		abs := resolve(base, attr(a, "href"))
		if abs == "" || seen[abs] {
			continue
		}
		u, err := url.Parse(abs)
		if err != nil || !strings.Contains(u.Path, p.pattern) {
			continue
		}
		if base != nil && u.Host != base.Host {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
		if p.maxItems > 0 && len(out) >= p.maxItems {
			break
		}
	}
	return out
}

var textDate = regexp.MustCompile(`(?i)\b(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*\s+\d{1,2}\s+[a-z]+\s+\d{4}\b`)

func (p *DetailParser) parseDetail(page []byte, pageURL string) (eventstore.RawItem, bool) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return eventstore.RawItem{}, false
	}
	base, _ := url.Parse(pageURL)

	title := optText(findFirst(doc, isElement(atom.H1)))
	if title == nil {
		title = optString(metaContent(doc, "og:title"))
	}
	if title == nil {
		return eventstore.RawItem{}, false
	}

	item := eventstore.RawItem{
		Title:     title,
		SourceURL: optString(pageURL),
		Venue:     optText(findFirst(doc, hasClass("event-venue"))),
	}

	if n := findFirst(doc, isElement(atom.Time)); n != nil {
		item.StartTime = nodeTime(n, p.loc)
	}
	if item.StartTime == nil {
		if m := textDate.FindString(text(doc)); m != "" {
			item.StartTime = ParseTime(m, p.loc)
		}
	}

	var paras []string
	for _, n := range findAll(doc, isElement(atom.P)) {
		if s := text(n); s != "" {
			paras = append(paras, s)
		}
		if len(paras) == 3 {
			break
		}
	}
	item.Description = optString(strings.Join(paras, "\n\n"))

	img := metaContent(doc, "og:image")
	if img == "" {
		img = attr(findFirst(doc, isElement(atom.Img)), "src")
	}
	item.ImageURL = optString(resolve(base, img))
	return item, true
}

func metaContent(doc *html.Node, property string) string {
	n := findFirst(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Meta &&
			(attr(n, "property") == property || attr(n, "name") == property)
	})
	return attr(n, "content")
}
