package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	searchTimeout   = 15 * time.Second
	searchUserAgent = "Mozilla/5.0 (compatible; voxflow/1.0)"
	maxSearchHits   = 5
)

// SearchTool queries the DuckDuckGo HTML endpoint and extracts the top
// results. The "research" capability aliases it with a larger result count.
type SearchTool struct {
	client *http.Client
	name   string
	count  int
}

func NewSearchTool() *SearchTool {
	return &SearchTool{
		client: &http.Client{Timeout: searchTimeout},
		name:   "search",
		count:  maxSearchHits,
	}
}

// NewResearchTool is the deeper variant registered under "research".
func NewResearchTool() *SearchTool {
	return &SearchTool{
		client: &http.Client{Timeout: searchTimeout},
		name:   "research",
		count:  maxSearchHits * 2,
	}
}

func (t *SearchTool) Name() string        { return t.name }
func (t *SearchTool) Description() string { return "Search the web and return the top results" }

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}

	searchURL := fmt.Sprintf("https://html.duckduckgo.com/html/?q=%s", url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search request: %v", err)).WithError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read response: %v", err)).WithError(err)
	}

	results := extractDDGResults(string(body), t.count)
	if len(results) == 0 {
		return NewResult("no results")
	}
	return NewResult(strings.Join(results, "\n"))
}

// anchor is one <a> element: its href attribute and tag-stripped inner text.
type anchor struct {
	href string
	text string
}

// extractDDGResults walks the result page and collects up to count
// "title (url): snippet" lines. In DDG's HTML each hit is an anchor with
// class result__a, followed by a snippet anchor with class result__snippet
// before the next hit.
func extractDDGResults(page string, count int) []string {
	var results []string
	for len(results) < count {
		link, rest, ok := nextAnchor(page, "result__a")
		if !ok {
			break
		}
		if link.text == "" || link.href == "" {
			page = rest
			continue
		}

		line := fmt.Sprintf("%s (%s)", link.text, resolveRedirect(link.href))

		// The snippet for this hit sits before the next result anchor.
		segment := rest
		if next := strings.Index(rest, "result__a"); next >= 0 {
			segment = rest[:next]
		}
		if snip, _, ok := nextAnchor(segment, "result__snippet"); ok && snip.text != "" {
			line += ": " + snip.text
		}

		results = append(results, line)
		page = rest
	}
	return results
}

// nextAnchor returns the first <a> whose class attribute contains class,
// plus the remainder of the page after its closing tag.
func nextAnchor(page, class string) (anchor, string, bool) {
	for {
		start := strings.Index(page, "<a")
		if start < 0 {
			return anchor{}, "", false
		}
		tagEnd := strings.IndexByte(page[start:], '>')
		if tagEnd < 0 {
			return anchor{}, "", false
		}
		tag := page[start : start+tagEnd+1]
		body := page[start+tagEnd+1:]
		closing := strings.Index(body, "</a>")
		if closing < 0 {
			return anchor{}, "", false
		}

		if strings.Contains(attrValue(tag, "class"), class) {
			a := anchor{
				href: attrValue(tag, "href"),
				text: stripTags(body[:closing]),
			}
			return a, body[closing+len("</a>"):], true
		}
		page = body
	}
}

// attrValue pulls a double-quoted attribute value out of an element tag.
func attrValue(tag, name string) string {
	key := name + `="`
	start := strings.Index(tag, key)
	if start < 0 {
		return ""
	}
	rest := tag[start+len(key):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// stripTags drops markup and decodes entities, leaving trimmed text.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}

// resolveRedirect unwraps DDG's /l/ redirect, whose destination rides in the
// uddg query parameter. Anything unparseable passes through untouched.
func resolveRedirect(raw string) string {
	u, err := url.Parse(html.UnescapeString(raw))
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}
