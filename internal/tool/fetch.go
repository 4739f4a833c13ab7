package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const (
	maxResponseSize  = 5 * 1024 * 1024 // 5MB
	defaultMaxLength = 5000
	fetchTimeout     = 30 * time.Second
	fetchUserAgent   = "pocketcmd/1.0 (+https://github.com/pocketcmd/pocketcmd)"
)

// ErrTransient marks fetch failures worth retrying.
var ErrTransient = errors.New("transient fetch failure")

// FetchTool fetches a URL and returns its content as markdown.
type FetchTool struct {
	*BaseTool
	client *http.Client
}

type fetchInput struct {
	URL       string `json:"url"`
	MaxLength int    `json:"max_length,omitempty"`
	Raw       bool   `json:"raw,omitempty"`
}

// NewFetchTool creates the fetch tool.
func NewFetchTool(client *http.Client) *FetchTool {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	t := &FetchTool{client: client}
	t.BaseTool = NewBaseTool("fetch", "Fetches a URL and returns its content as markdown.", json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch, starting with http:// or https://"
			},
			"max_length": {
				"type": "integer",
				"description": "Maximum number of characters to return (default 5000)"
			},
			"raw": {
				"type": "boolean",
				"description": "Return the raw content without HTML conversion"
			}
		},
		"required": ["url"]
	}`), t.execute)
	return t
}

func (t *FetchTool) execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params fetchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !strings.HasPrefix(params.URL, "http://") && !strings.HasPrefix(params.URL, "https://") {
		return nil, fmt.Errorf("%w: URL must start with http:// or https://", ErrInvalidInput)
	}
	maxLength := params.MaxLength
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status code %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("request failed with status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTransient, err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("response too large (exceeds 5MB limit)")
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	title := params.URL

	if strings.Contains(contentType, "text/html") && !params.Raw {
		if pageTitle := extractTitle(content); pageTitle != "" {
			title = pageTitle
		}
		content, err = convertHTMLToMarkdown(content)
		if err != nil {
			return nil, fmt.Errorf("failed to convert HTML to markdown: %w", err)
		}
	}

	content = strings.TrimSpace(content)
	truncated := false
	if runes := []rune(content); len(runes) > maxLength {
		content = string(runes[:maxLength])
		truncated = true
	}
	if truncated {
		content += fmt.Sprintf("\n\n[Content truncated at %d characters]", maxLength)
	}

	return &Result{
		Title:  title,
		Output: content,
		Metadata: map[string]any{
			"url":         params.URL,
			"contentType": contentType,
			"truncated":   truncated,
		},
	}, nil
}

func (t *FetchTool) Usage() string { return "fetch <url> [max_length]" }

func (t *FetchTool) ParseArgs(args []string) (json.RawMessage, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("%w: usage: %s", ErrInvalidInput, t.Usage())
	}
	in := fetchInput{URL: args[0]}
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: max_length must be a positive integer", ErrInvalidInput)
		}
		in.MaxLength = n
	}
	return json.Marshal(in)
}

// extractTitle returns the page title, if any.
func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// convertHTMLToMarkdown converts HTML content to Markdown format.
func convertHTMLToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:     "atx",
		HorizontalRule:   "---",
		BulletListMarker: "-",
		CodeBlockStyle:   "fenced",
		EmDelimiter:      "*",
	})

	// Remove non-content elements
	converter.Remove("script", "style", "meta", "link", "noscript", "iframe")

	return converter.ConvertString(html)
}
