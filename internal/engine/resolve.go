package engine

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

var bareID = regexp.MustCompile(`^\d+$`)

// resolveIdentifier derives the normalized catalog id of item.Target. Cheap
// pattern matching comes first; storefront URLs then get one probe and one
// navigation.
func (e *Engine) resolveIdentifier(ctx context.Context, page rank.Page, item rank.WorkItem) (string, error) {
	target := strings.TrimSpace(item.Target)
	if id := e.matchDirect(target); id != "" {
		return id, nil
	}
	if bareID.MatchString(target) {
		return rank.NormalizeID(target), nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q is neither an identifier nor a url", rank.ErrResolution, target)
	}
	if !e.storefronts.Matches(u.Hostname()) {
		return "", fmt.Errorf("%w: no identifier in %s", rank.ErrResolution, target)
	}

	if e.prober != nil {
		probed, err := e.prober.Probe(ctx, target)
		if err == nil {
			if id := e.harvestStatic(probed.FinalURL, probed.HTML); id != "" {
				return id, nil
			}
		} else {
			e.logger.Debug("storefront probe failed", zap.String("target", target), zap.Error(err))
		}
	}

	if err := e.navigate(ctx, page, target); err != nil {
		return "", err
	}
	if err := e.checkBlocked(ctx, page, item, "storefront"); err != nil {
		return "", err
	}
	for _, observed := range page.ObservedURLs() {
		if id := e.matchDirect(observed); id != "" {
			return id, nil
		}
	}
	loc, err := page.Location(ctx)
	if err == nil {
		if id := e.matchDirect(loc); id != "" {
			return id, nil
		}
	}
	html, err := page.HTML(ctx)
	if err == nil {
		if id := e.harvestStatic("", html); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: storefront %s exposed no identifier", rank.ErrResolution, target)
}

// matchDirect returns the first direct-pattern capture in s.
func (e *Engine) matchDirect(s string) string {
	return firstCapture(e.direct, s)
}

// harvestStatic looks at a final URL, embedded scripts and meta tags, in order.
func (e *Engine) harvestStatic(finalURL, html string) string {
	if id := e.matchDirect(finalURL); id != "" {
		return id
	}
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var found string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = firstCapture(e.scripts, s.Text())
		return found == ""
	})
	if found != "" {
		return found
	}
	for _, name := range e.cfg.Resolve.MetaNames {
		sel := fmt.Sprintf(`meta[name=%q], meta[property=%q]`, name, name)
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			content := strings.TrimSpace(s.AttrOr("content", ""))
			if id := e.matchDirect(content); id != "" {
				found = id
			} else if bareID.MatchString(content) {
				found = rank.NormalizeID(content)
			}
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func firstCapture(patterns []*regexp.Regexp, s string) string {
	if s == "" {
		return ""
	}
	for _, re := range patterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		v := m[0]
		if len(m) > 1 {
			v = m[1]
		}
		if id := rank.NormalizeID(v); id != "" {
			return id
		}
	}
	return ""
}
