package extract

import (
	"github.com/JakeFAU/rankwatch/internal/rank"
)

// PageData is the result of fetching one results page, tagged by the tier
// that produced it. Unavailable pages carry the reason in Err.
type PageData struct {
	Page    int
	Source  rank.Source
	Entries []rank.ProductEntry
	// Shifted counts products moved to the next free rank after a collision.
	Shifted int
	Err     error
}

// Intercepted wraps entries decoded from a captured API response.
func Intercepted(page int, entries []rank.ProductEntry) PageData {
	out, shifted := normalize(entries)
	return PageData{Page: page, Source: rank.SourceIntercepted, Entries: out, Shifted: shifted}
}

// Scraped wraps entries decoded from rendered HTML.
func Scraped(page int, entries []rank.ProductEntry) PageData {
	out, shifted := normalize(entries)
	return PageData{Page: page, Source: rank.SourceScraped, Entries: out, Shifted: shifted}
}

// Unavailable records that neither tier yielded entries.
func Unavailable(page int, err error) PageData {
	return PageData{Page: page, Source: rank.SourceUnavailable, Err: err}
}

// Usable reports whether the page produced any entries.
func (p PageData) Usable() bool {
	return p.Source != rank.SourceUnavailable && len(p.Entries) > 0
}
