// Package wiki is a minimal MediaWiki API client scoped to what ingestion
// needs: enumerating article titles, listing recent changes, and fetching
// one page's wikitext with its visible categories. Every request is
// throttled and retried with exponential backoff so a long crawl stays
// polite and survives transient upstream errors.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client talks to one MediaWiki instance.
type Client struct {
	client      *http.Client
	apiBase     string
	baseURL     string
	ua          string
	throttle    time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Client) { w.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(w *Client) { w.ua = ua }
}

// WithThrottle sets the minimum delay between requests.
func WithThrottle(d time.Duration) Option {
	return func(w *Client) { w.throttle = d }
}

// WithMaxAttempts sets how many times a request is tried before giving up.
func WithMaxAttempts(n int) Option {
	return func(w *Client) { w.maxAttempts = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Client) { w.logger = l }
}

// New creates a Client for the wiki rooted at baseURL
// (e.g. "https://whitewolf.fandom.com").
func New(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	w := &Client{
		client:      &http.Client{Timeout: 30 * time.Second},
		apiBase:     base + "/api.php",
		baseURL:     base,
		ua:          "chronicle/1.0 (ingest)",
		throttle:    350 * time.Millisecond,
		maxAttempts: 5,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Page is one fetched article.
type Page struct {
	Title      string
	URL        string
	Wikitext   string
	Categories []string
}

// ErrMissingTitle marks fetches of pages that do not exist.
var ErrMissingTitle = errors.New("page does not exist")

// apiError is the MediaWiki error envelope.
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wiki: api error %s: %s", e.Code, e.Info)
}

func (e *apiError) Unwrap() error {
	if e.Code == "missingtitle" || e.Code == "invalidtitle" {
		return ErrMissingTitle
	}
	return nil
}

// IsMissingTitle reports whether err means the requested page does not exist.
func IsMissingTitle(err error) bool {
	return errors.Is(err, ErrMissingTitle)
}

// retryableStatus reports whether an HTTP status warrants another attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// apiGet performs a throttled, retried GET against api.php and decodes the
// JSON body into out. Backoff starts at 500ms and doubles up to 8s.
func (w *Client) apiGet(ctx context.Context, params url.Values, out any) error {
	params = cloneValues(params)
	params.Set("format", "json")
	reqURL := w.apiBase + "?" + params.Encode()

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			w.logger.Debug("wiki: retrying", "url", reqURL, "attempt", attempt, "err", lastErr)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			if backoff *= 2; backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
		}
		if err := w.waitThrottle(ctx); err != nil {
			return err
		}

		retryable, err := w.tryGet(ctx, reqURL, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("wiki: giving up after %d attempts: %w", w.maxAttempts, lastErr)
}

// tryGet is one request/decode attempt. The bool reports whether the
// failure is worth retrying.
func (w *Client) tryGet(ctx context.Context, reqURL string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("wiki: new request: %w", err)
	}
	req.Header.Set("User-Agent", w.ua)

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("wiki: do: %w", err)
	}
	defer resp.Body.Close()

	// 20MB cap; wikitext pages run large but never this large.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return true, fmt.Errorf("wiki: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return retryableStatus(resp.StatusCode), fmt.Errorf("wiki: status %d for %s", resp.StatusCode, reqURL)
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return true, fmt.Errorf("wiki: decode: %w", err)
	}
	if envelope.Error != nil {
		return false, envelope.Error
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("wiki: decode: %w", err)
	}
	return false, nil
}

// waitThrottle enforces the minimum inter-request delay.
func (w *Client) waitThrottle(ctx context.Context) error {
	w.mu.Lock()
	now := time.Now()
	next := w.lastCall.Add(w.throttle)
	if next.Before(now) {
		next = now
	}
	w.lastCall = next
	w.mu.Unlock()
	if wait := time.Until(next); wait > 0 {
		return sleepCtx(ctx, wait)
	}
	return nil
}

// AllPages enumerates non-redirect article titles in a namespace via the
// allpages list, following the apcontinue cursor. limit <= 0 means all.
func (w *Client) AllPages(ctx context.Context, namespace, limit int) ([]string, error) {
	var titles []string
	apcontinue := ""
	for {
		params := url.Values{}
		params.Set("action", "query")
		params.Set("list", "allpages")
		params.Set("apnamespace", fmt.Sprint(namespace))
		params.Set("aplimit", "500")
		params.Set("apfilterredir", "nonredirects")
		if apcontinue != "" {
			params.Set("apcontinue", apcontinue)
		}

		var resp struct {
			Continue struct {
				Apcontinue string `json:"apcontinue"`
			} `json:"continue"`
			Query struct {
				AllPages []struct {
					Title string `json:"title"`
				} `json:"allpages"`
			} `json:"query"`
		}
		if err := w.apiGet(ctx, params, &resp); err != nil {
			return nil, fmt.Errorf("wiki: allpages: %w", err)
		}
		for _, p := range resp.Query.AllPages {
			titles = append(titles, p.Title)
			if limit > 0 && len(titles) >= limit {
				return titles, nil
			}
		}
		if apcontinue = resp.Continue.Apcontinue; apcontinue == "" {
			return titles, nil
		}
	}
}

// RecentChanges returns the titles edited or created within the window,
// newest first, deduplicated.
func (w *Client) RecentChanges(ctx context.Context, window time.Duration) ([]string, error) {
	now := time.Now().UTC()
	var titles []string
	seen := map[string]bool{}
	rccontinue := ""
	for {
		params := url.Values{}
		params.Set("action", "query")
		params.Set("list", "recentchanges")
		params.Set("rcprop", "title|ids|timestamp|type")
		params.Set("rclimit", "500")
		params.Set("rcstart", now.Format("2006-01-02T15:04:05Z"))
		params.Set("rcend", now.Add(-window).Format("2006-01-02T15:04:05Z"))
		if rccontinue != "" {
			params.Set("rccontinue", rccontinue)
		}

		var resp struct {
			Continue struct {
				Rccontinue string `json:"rccontinue"`
			} `json:"continue"`
			Query struct {
				RecentChanges []struct {
					Type  string `json:"type"`
					Title string `json:"title"`
				} `json:"recentchanges"`
			} `json:"query"`
		}
		if err := w.apiGet(ctx, params, &resp); err != nil {
			return nil, fmt.Errorf("wiki: recentchanges: %w", err)
		}
		for _, rc := range resp.Query.RecentChanges {
			if rc.Title == "" || (rc.Type != "edit" && rc.Type != "new") {
				continue
			}
			if !seen[rc.Title] {
				seen[rc.Title] = true
				titles = append(titles, rc.Title)
			}
		}
		if rccontinue = resp.Continue.Rccontinue; rccontinue == "" {
			return titles, nil
		}
	}
}

// FetchPage retrieves one page's wikitext and visible categories, with
// redirects resolved. Hidden (maintenance) categories are dropped.
func (w *Client) FetchPage(ctx context.Context, title string) (*Page, error) {
	params := url.Values{}
	params.Set("action", "parse")
	params.Set("page", title)
	params.Set("prop", "wikitext|categories")
	params.Set("redirects", "1")

	var resp struct {
		Parse struct {
			Title    string `json:"title"`
			Wikitext struct {
				Star string `json:"*"`
			} `json:"wikitext"`
			Categories []struct {
				Star   string  `json:"*"`
				Hidden *string `json:"hidden"`
			} `json:"categories"`
		} `json:"parse"`
	}
	if err := w.apiGet(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("wiki: fetch %q: %w", title, err)
	}

	resolved := resp.Parse.Title
	if resolved == "" {
		resolved = title
	}
	var cats []string
	for _, c := range resp.Parse.Categories {
		if c.Hidden != nil {
			continue
		}
		cats = append(cats, strings.ReplaceAll(c.Star, "_", " "))
	}
	return &Page{
		Title:      resolved,
		URL:        w.baseURL + "/wiki/" + strings.ReplaceAll(resolved, " ", "_"),
		Wikitext:   resp.Parse.Wikitext.Star,
		Categories: cats,
	}, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
