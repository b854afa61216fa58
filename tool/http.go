package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hupe1980/agenthive/internal/util"
)

const (
	maxBodyChars = 10000
	// DefaultSearchEndpoint is the DuckDuckGo instant answer API.
	DefaultSearchEndpoint = "https://api.duckduckgo.com/"
)

type httpRequestArgs struct {
	URL     string `json:"url" description:"Absolute URL to request"`
	Method  string `json:"method,omitempty" description:"HTTP method; defaults to GET"`
	Body    string `json:"body,omitempty" description:"Request body for POST/PUT/PATCH"`
	Headers string `json:"headers,omitempty" description:"Extra headers as JSON object, e.g. {\"Accept\":\"application/json\"}"`
}

// NewHTTPRequestTool performs an HTTP request and returns the status line and
// a truncated body.
func NewHTTPRequestTool(client *http.Client) *FunctionTool {
	if client == nil {
		client = http.DefaultClient
	}
	return NewFunctionTool(
		"http_request",
		"Perform an HTTP request and return the response status and body.",
		util.CreateSchema(httpRequestArgs{}),
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			rawURL, _ := args["url"].(string)
			parsed, err := url.Parse(rawURL)
			if err != nil || !parsed.IsAbs() {
				return "", fmt.Errorf("invalid url %q", rawURL)
			}

			method, _ := args["method"].(string)
			if method == "" {
				method = http.MethodGet
			}
			method = strings.ToUpper(method)

			var body io.Reader
			if b, _ := args["body"].(string); b != "" {
				body = strings.NewReader(b)
			}

			req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
			if err != nil {
				return "", err
			}
			if hs, _ := args["headers"].(string); hs != "" {
				var headers map[string]string
				if err := json.Unmarshal([]byte(hs), &headers); err != nil {
					return "", fmt.Errorf("invalid headers: %w", err)
				}
				for k, v := range headers {
					req.Header.Set(k, v)
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyChars+1))
			if err != nil {
				return "", err
			}

			return fmt.Sprintf("%s\n%s", resp.Status, truncate(string(data), maxBodyChars)), nil
		},
	)
}

type webSearchArgs struct {
	Query      string `json:"query" description:"Search query"`
	MaxResults int    `json:"max_results,omitempty" description:"Maximum number of results; defaults to 5"`
}

// searchResponse is the subset of the instant answer payload we render.
type searchResponse struct {
	Heading       string `json:"Heading"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

// NewWebSearchTool queries a DuckDuckGo-compatible instant answer endpoint
// and formats the top results as plain text.
func NewWebSearchTool(client *http.Client, endpoint string) *FunctionTool {
	if client == nil {
		client = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	return NewFunctionTool(
		"web_search",
		"Search the web and return a short list of results.",
		util.CreateSchema(webSearchArgs{}),
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("query must not be empty")
			}
			max := 5
			if m, ok := args["max_results"].(float64); ok && m > 0 {
				max = int(m)
			}

			u, err := url.Parse(endpoint)
			if err != nil {
				return "", err
			}
			q := u.Query()
			q.Set("q", query)
			q.Set("format", "json")
			q.Set("no_html", "1")
			u.RawQuery = q.Encode()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return "", err
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return "", fmt.Errorf("search endpoint returned %s", resp.Status)
			}

			var payload searchResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return "", fmt.Errorf("decode search response: %w", err)
			}

			var lines []string
			if payload.AbstractText != "" {
				lines = append(lines, fmt.Sprintf("%s: %s (%s)", payload.Heading, payload.AbstractText, payload.AbstractURL))
			}
			for _, topic := range payload.RelatedTopics {
				if topic.Text == "" {
					continue
				}
				lines = append(lines, fmt.Sprintf("- %s (%s)", topic.Text, topic.FirstURL))
				if len(lines) >= max {
					break
				}
			}
			if len(lines) == 0 {
				return "no results", nil
			}
			return strings.Join(lines, "\n"), nil
		},
	)
}
