package scrape

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hemant07j07/eventstore"
)

// CardSelectors names the elements of one listing card. Each selector is
// "tag", ".class" or "tag.class".
type CardSelectors struct {
	Card        string `koanf:"card"`
	Title       string `koanf:"title"`
	Time        string `koanf:"time"`
	Venue       string `koanf:"venue"`
	Description string `koanf:"description"`
	Link        string `koanf:"link"`
	Image       string `koanf:"image"`
}

// DefaultCardSelectors matches the conventional event-card markup.
func DefaultCardSelectors() CardSelectors {
	return CardSelectors{
		Card:        ".event-card",
		Title:       ".event-title",
		Time:        ".event-time",
		Venue:       ".event-venue",
		Description: ".event-desc",
		Link:        "a.event-link",
		Image:       "img",
	}
}

// CardParser extracts every event card on a single listing page. It
// implements eventstore.Parser.
type CardParser struct {
	sel CardSelectors
	loc *time.Location
}

// NewCardParser returns a parser for the given selectors. Empty selectors
// take their defaults. Times without a zone are read in loc (UTC if nil).
func NewCardParser(sel CardSelectors, loc *time.Location) *CardParser {
	def := DefaultCardSelectors()
	for _, f := range []struct{ dst *string; def string }{
		{&sel.Card, def.Card},
		{&sel.Title, def.Title},
		{&sel.Time, def.Time},
		{&sel.Venue, def.Venue},
		{&sel.Description, def.Description},
		{&sel.Link, def.Link},
		{&sel.Image, def.Image},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CardParser{sel: sel, loc: loc}
}

// Parse implements eventstore.Parser.
func (p *CardParser) Parse(_ context.Context, body []byte, baseURL string) ([]eventstore.RawItem, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("scrape: parsing listing: %w", err)
	}
	base := parseBase(baseURL)

	cards := findAll(doc, matchSelector(p.sel.Card))
	items := make([]eventstore.RawItem, 0, len(cards))
	for _, card := range cards {
		item := eventstore.RawItem{
			Title:       optText(findFirst(card, matchSelector(p.sel.Title))),
			Venue:       optText(findFirst(card, matchSelector(p.sel.Venue))),
			Description: optText(findFirst(card, matchSelector(p.sel.Description))),
		}
		if n := findFirst(card, matchSelector(p.sel.Time)); n != nil {
			item.StartTime = nodeTime(n, p.loc)
		}
		if n := findFirst(card, matchSelector(p.sel.Link)); n != nil {
			item.SourceURL = optString(resolve(base, attr(n, "href")))
		}
		if n := findFirst(card, matchSelector(p.sel.Image)); n != nil {
			item.ImageURL = optString(resolve(base, attr(n, "src")))
		}
		items = append(items, item)
	}
	return items, nil
}

// nodeTime prefers a machine-readable datetime attribute over the text.
func nodeTime(n *html.Node, loc *time.Location) *time.Time {
	if dt := attr(n, "datetime"); dt != "" {
		if t := ParseTime(dt, loc); t != nil {
			return t
		}
	}
	if n.DataAtom != atom.Time {
		if inner := findFirst(n, isElement(atom.Time)); inner != nil {
			if t := ParseTime(attr(inner, "datetime"), loc); t != nil {
				return t
			}
		}
	}
	return ParseTime(text(n), loc)
}
