package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// DOMConfig names the structural attributes of a rendered result card.
type DOMConfig struct {
	ItemSelector   string
	IDAttr         string
	TitleAttr      string
	AdAttr         string
	AdValues       []string
	MetaAttr       string
	OrganicKey     string
	TitleSelectors []string
	AncestorDepth  int
}

// DecodeDOM scrapes result cards from rendered HTML. The caller must have
// scrolled the page far enough for lazy cards to mount. Total rank is the card
// index on the page plus the offset of earlier pages.
func DecodeDOM(html string, page, pageSize int, cfg DOMConfig) ([]rank.ProductEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", rank.ErrExtraction, err)
	}
	offset := (page - 1) * pageSize
	var entries []rank.ProductEntry
	doc.Find(cfg.ItemSelector).Each(func(_ int, s *goquery.Selection) {
		// inner elements repeating the card attribute belong to the outer card
		if s.ParentsFiltered(cfg.ItemSelector).Length() > 0 {
			return
		}
		id := strings.TrimSpace(s.AttrOr(cfg.IDAttr, ""))
		if id == "" {
			return
		}
		index := len(entries) + 1
		total := offset + index
		isAd := cfg.isAd(s.AttrOr(cfg.AdAttr, ""))
		organic := rank.NoRank
		if !isAd {
			organic = total
			if order, ok := organicOrder(s.AttrOr(cfg.MetaAttr, ""), cfg.OrganicKey); ok {
				organic = order
			}
		}
		entries = append(entries, rank.ProductEntry{
			Identifier:   id,
			DisplayName:  cfg.title(s),
			TotalRank:    total,
			OrganicRank:  organic,
			IsAd:         isAd,
			PagePosition: index,
		})
	})
	return entries, nil
}

func (c DOMConfig) isAd(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" || c.AdAttr == "" {
		return false
	}
	for _, candidate := range c.AdValues {
		if strings.EqualFold(value, strings.TrimSpace(candidate)) {
			return true
		}
	}
	return false
}

// title prefers the title attribute, then walks up to AncestorDepth ancestors
// trying each candidate selector in order.
func (c DOMConfig) title(s *goquery.Selection) string {
	if c.TitleAttr != "" {
		if t := strings.TrimSpace(s.AttrOr(c.TitleAttr, "")); t != "" {
			return t
		}
	}
	cur := s
	for depth := 0; depth <= c.AncestorDepth && cur.Length() > 0; depth++ {
		for _, sel := range c.TitleSelectors {
			found := cur.Find(sel).First()
			if found.Length() == 0 {
				continue
			}
			if t := firstNonEmpty(found.AttrOr("title", ""), found.Text()); t != "" {
				return strings.Join(strings.Fields(t), " ")
			}
		}
		cur = cur.Parent()
	}
	return ""
}

// organicOrder reads key from the card metadata attribute. The attribute holds
// JSON that is frequently escaped twice: a JSON string whose content is the
// object, or an object with backslash-escaped quotes. Both object and
// key/value-list shapes are accepted.
func organicOrder(raw, key string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || key == "" {
		return 0, false
	}
	v, ok := decodeLoose(raw)
	if !ok {
		return 0, false
	}
	return lookupOrder(v, key)
}

func decodeLoose(raw string) (any, bool) {
	candidates := []string{raw, strings.ReplaceAll(raw, `\"`, `"`)}
	for _, c := range candidates {
		var v any
		if err := json.Unmarshal([]byte(c), &v); err != nil {
			continue
		}
		for range 2 {
			s, isString := v.(string)
			if !isString {
				break
			}
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, false
			}
		}
		return v, true
	}
	return nil, false
}

func lookupOrder(v any, key string) (int, bool) {
	switch t := v.(type) {
	case map[string]any:
		if val, ok := t[key]; ok {
			return positiveInt(val)
		}
		if k, _ := t["key"].(string); k == key {
			return positiveInt(t["value"])
		}
	case []any:
		for _, elem := range t {
			if n, ok := lookupOrder(elem, key); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func positiveInt(v any) (int, bool) {
	var n int
	switch t := v.(type) {
	case float64:
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	return n, n > 0
}
