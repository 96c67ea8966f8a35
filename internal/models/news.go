package models

import (
	"strings"
	"time"
)

// NewsItem is a news document ingested from the crawl feed.
type NewsItem struct {
	UUID           string       `json:"uuid"` // Upstream-assigned dedup key
	Company        CompanyRef   `json:"company"`
	Title          string       `json:"title,omitempty"`
	Description    string       `json:"description,omitempty"`
	Snippet        string       `json:"snippet,omitempty"`
	URL            string       `json:"url,omitempty"`
	ImageURL       string       `json:"image_url,omitempty"`
	Language       string       `json:"language,omitempty"`
	Source         string       `json:"source,omitempty"`
	Keywords       string       `json:"keywords,omitempty"`
	RelevanceScore *float64     `json:"relevance_score,omitempty"`
	PublishedAt    time.Time    `json:"published_at"`
	Entities       []NewsEntity `json:"entities,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// CompanyRef is a weak reference to a company; the company need not exist.
type CompanyRef struct {
	ID     string `json:"id,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Name   string `json:"name,omitempty"`
}

// NewsEntity is a named entity mentioned in a news item.
type NewsEntity struct {
	NewsUUID string `json:"news_uuid"` // Back-reference to the parent item
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
}

// ParseNewsEntity parses the feed's "SYMBOL|Name|Exchange" entity notation.
func ParseNewsEntity(raw string) (NewsEntity, bool) {
	parts := strings.Split(raw, "|")
	entity := NewsEntity{Symbol: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		entity.Name = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		entity.Exchange = strings.TrimSpace(parts[2])
	}
	return entity, entity.Symbol != ""
}

// MentionsSymbol reports whether the item references the given symbol.
func (n NewsItem) MentionsSymbol(symbol string) bool {
	if strings.EqualFold(n.Company.Symbol, symbol) {
		return true
	}
	for _, e := range n.Entities {
		if strings.EqualFold(e.Symbol, symbol) {
			return true
		}
	}
	return false
}

// NewsCursor is the keyset position used for newest-first pagination.
type NewsCursor struct {
	PublishedAt time.Time
	UUID        string
}

// NewsPage is one page of a newest-first listing.
type NewsPage struct {
	Items      []NewsItem `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"` // Empty when no further pages exist
}
