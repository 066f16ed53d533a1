package coordinator

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/llitpux/observer/internal/bus"
)

const defaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// WebSearchTool serves search_web through DuckDuckGo's HTML endpoint, which
// needs no API key.
type WebSearchTool struct {
	endpoint string
	client   *http.Client
}

// NewWebSearchTool builds the web search tool. An empty endpoint selects the
// public DuckDuckGo HTML frontend.
func NewWebSearchTool(endpoint string) *WebSearchTool {
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	return &WebSearchTool{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return bus.ActionSearchWeb }

func (t *WebSearchTool) Run(ctx context.Context, args map[string]any) (string, error) {
	query := argString(args, "query", "question")
	if query == "" {
		return "", fmt.Errorf("search_web: missing query")
	}

	searchURL := t.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Observer/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search_web: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	results := parseSearchResults(string(body))
	if len(results) == 0 {
		return "Нічого не знайдено в мережі.", nil
	}
	return renderSearchResults(results), nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

var (
	reResultLink    = regexp.MustCompile(`(?i)<a[^>]+class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	reResultSnippet = regexp.MustCompile(`(?i)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	reTag           = regexp.MustCompile(`<[^>]+>`)
)

func parseSearchResults(page string) []searchResult {
	links := reResultLink.FindAllStringSubmatch(page, 10)
	snippets := reResultSnippet.FindAllStringSubmatch(page, 10)

	var results []searchResult
	for i, link := range links {
		if len(link) < 3 {
			continue
		}
		rawURL := link[1]
		// result links are wrapped in a redirect carrying the target in uddg
		if u, err := url.Parse(rawURL); err == nil {
			if actual := u.Query().Get("uddg"); actual != "" {
				rawURL = actual
			}
		}

		snippet := ""
		if i < len(snippets) && len(snippets[i]) >= 2 {
			snippet = stripTags(snippets[i][1])
		}

		results = append(results, searchResult{
			Title:   stripTags(link[2]),
			URL:     rawURL,
			Snippet: snippet,
		})
		if len(results) >= 5 {
			break
		}
	}
	return results
}

func renderSearchResults(results []searchResult) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "%s\n", r.Snippet)
		}
	}
	return strings.TrimSpace(b.String())
}

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(reTag.ReplaceAllString(s, "")))
}
