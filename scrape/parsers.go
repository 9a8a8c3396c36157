package scrape

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hemant07j07/eventstore"
)

// Parser kinds accepted by NewParser.
const (
	KindCards  = "cards"
	KindDetail = "detail"
)

// ParserConfig selects and configures a parser for one source.
type ParserConfig struct {
	Kind        string        `koanf:"kind" validate:"omitempty,oneof=cards detail"`
	Cards       CardSelectors `koanf:"cards"`
	LinkPattern string        `koanf:"link_pattern"`
	MaxItems    int           `koanf:"max_items" validate:"gte=0"`
}

// NewParser builds the parser named by cfg.Kind. An empty kind means cards.
// f is only used by parsers that follow links.
func NewParser(cfg ParserConfig, f eventstore.Fetcher, loc *time.Location, logger zerolog.Logger) (eventstore.Parser, error) {
	switch cfg.Kind {
	case "", KindCards:
		return NewCardParser(cfg.Cards, loc), nil
	case KindDetail:
		if f == nil {
			return nil, fmt.Errorf("scrape: %s parser needs a fetcher", KindDetail)
		}
		return NewDetailParser(f, DetailOptions{
			LinkPattern: cfg.LinkPattern,
			MaxItems:    cfg.MaxItems,
			Location:    loc,
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("scrape: unknown parser kind %q", cfg.Kind)
	}
}
