package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

type interceptedPayload struct {
	ShoppingResult struct {
		Products []interceptedProduct `json:"products"`
	} `json:"shoppingResult"`
}

type interceptedProduct struct {
	Rank         flexInt             `json:"rank"`
	OrganicRank  flexInt             `json:"organicRank"`
	ID           flexString          `json:"id"`
	NvMid        flexString          `json:"nvMid"`
	ProductTitle string              `json:"productTitle"`
	ProductName  string              `json:"productName"`
	AdID         flexString          `json:"adId"`
	Item         *interceptedProduct `json:"item"`
}

func (p interceptedProduct) merged() interceptedProduct {
	if p.Item == nil {
		return p
	}
	inner := *p.Item
	if p.Rank > 0 {
		inner.Rank = p.Rank
	}
	if p.OrganicRank > 0 {
		inner.OrganicRank = p.OrganicRank
	}
	if p.AdID != "" {
		inner.AdID = p.AdID
	}
	if inner.ID == "" {
		inner.ID = p.ID
	}
	if inner.NvMid == "" {
		inner.NvMid = p.NvMid
	}
	return inner
}

// DecodeIntercepted parses a captured search API payload. Ranks in the payload
// are trusted as-is; a product without one is placed by its index on the page.
func DecodeIntercepted(payload []byte, page, pageSize int) ([]rank.ProductEntry, error) {
	var p interceptedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode intercepted payload: %v", rank.ErrExtraction, err)
	}
	offset := (page - 1) * pageSize
	products := p.ShoppingResult.Products
	entries := make([]rank.ProductEntry, 0, len(products))
	for i, raw := range products {
		prod := raw.merged()
		id := firstNonEmpty(string(prod.ID), string(prod.NvMid))
		if id == "" {
			continue
		}
		total := int(prod.Rank)
		if total <= 0 {
			total = offset + i + 1
		}
		isAd := prod.AdID != ""
		organic := rank.NoRank
		if !isAd {
			organic = int(prod.OrganicRank)
			if organic <= 0 {
				organic = total
			}
		}
		entries = append(entries, rank.ProductEntry{
			Identifier:   id,
			DisplayName:  firstNonEmpty(prod.ProductTitle, prod.ProductName),
			TotalRank:    total,
			OrganicRank:  organic,
			IsAd:         isAd,
			PagePosition: i + 1,
		})
	}
	return entries, nil
}

// CheckPageWindow rejects entries ranked outside results page n. A payload
// that fails it belongs to another page and must not be trusted.
func CheckPageWindow(entries []rank.ProductEntry, page, pageSize int) error {
	lo, hi := (page-1)*pageSize, page*pageSize
	for _, e := range entries {
		if e.TotalRank <= lo || e.TotalRank > hi {
			return fmt.Errorf("%w: %s ranked %d, outside page %d (%d-%d)",
				rank.ErrExtraction, e.Identifier, e.TotalRank, page, lo+1, hi)
		}
	}
	return nil
}

// flexInt accepts a JSON number, a numeric string, an empty string, or null.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse rank %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts a JSON string, a number, false, or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte("false")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("parse string: %w", err)
		}
		*f = flexString(strings.TrimSpace(s))
	default:
		*f = flexString(string(b))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
