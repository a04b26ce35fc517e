package discovery

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractTrackLinks pulls track links and the page's context label out of a
// rendered HTML document. Relative links are resolved against baseURL.
func extractTrackLinks(body []byte, baseURL string) (PageScan, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return PageScan{}, fmt.Errorf("parse page: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return PageScan{}, fmt.Errorf("parse base url: %w", err)
	}

	scan := PageScan{ContextLabel: pageLabel(doc)}
	seen := map[string]struct{}{}
	doc.Find(`a[href*="/songs/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		scan.Links = append(scan.Links, abs)
	})
	return scan, nil
}

// pageLabel picks the most specific heading as the context label: a playlist
// header when present, otherwise the first h1.
func pageLabel(doc *goquery.Document) string {
	for _, selector := range []string{`[data-testid="playlist-title"]`, "h1"} {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	return ""
}
