package wiki

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// AllPagesHTML enumerates titles by scraping Special:AllPages. It exists as
// a fallback for wikis whose API disallows the allpages list. Titles with a
// namespace prefix (containing ":") are skipped. limit <= 0 means all.
func (w *Client) AllPagesHTML(ctx context.Context, limit int) ([]string, error) {
	var titles []string
	next := w.baseURL + "/wiki/Special:AllPages"
	for next != "" {
		if err := w.waitThrottle(ctx); err != nil {
			return nil, err
		}
		doc, err := w.fetchHTML(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("wiki: allpages html: %w", err)
		}

		pageTitles, nextHref := parseAllPages(doc)
		for _, t := range pageTitles {
			if strings.Contains(t, ":") {
				continue
			}
			titles = append(titles, t)
			if limit > 0 && len(titles) >= limit {
				return titles, nil
			}
		}
		if nextHref == "" {
			break
		}
		next = w.baseURL + nextHref
	}
	return titles, nil
}

func (w *Client) fetchHTML(ctx context.Context, pageURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", w.ua)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d for %s", resp.StatusCode, pageURL)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return doc, nil
}

// parseAllPages pulls the title list and the next-page link out of one
// Special:AllPages document. Titles live in anchors under
// ul.mw-allpages-chunk; pagination is an a.mw-nextlink.
func parseAllPages(doc *html.Node) (titles []string, nextHref string) {
	var walk func(n *html.Node, inChunk bool)
	walk = func(n *html.Node, inChunk bool) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "ul":
				if hasClass(n, "mw-allpages-chunk") {
					inChunk = true
				}
			case "a":
				if inChunk {
					if t := strings.TrimSpace(textContent(n)); t != "" {
						titles = append(titles, t)
					}
				} else if hasClass(n, "mw-nextlink") {
					nextHref = attr(n, "href")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inChunk)
		}
	}
	walk(doc, false)
	return titles, nextHref
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
