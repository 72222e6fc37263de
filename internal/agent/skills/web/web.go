// Package web provides the example web-reading skill catalog: a read-only
// read_url skill that fetches a page, extracts its readable article with
// go-shiori/go-readability, and renders it to Markdown with
// JohannesKaufmann/html-to-markdown, the same pairing C360Studio-semspec and
// intelligencedev-manifold use for web ingestion.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/go-shiori/go-readability"

	"deskagent/internal/agent/skills"
	"deskagent/internal/agent/tools"
)

const (
	defaultMaxPages = 5
	defaultMaxChars = 20000
)

// Catalog fetches URLs over HTTP with a bounded client.
type Catalog struct {
	client *http.Client
}

// NewCatalog builds a web Catalog with the given request timeout.
func NewCatalog(timeout time.Duration) *Catalog {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Catalog{client: &http.Client{Timeout: timeout}}
}

// Register adds read_url to reg.
func (c *Catalog) Register(reg *skills.Registry) error {
	return reg.Register(readURLSpec(), skills.InvokerFunc(c.readURL))
}

func readURLSpec() *tools.Spec {
	return &tools.Spec{
		Name:        "read_url",
		Description: "Fetch one or more URLs and return their readable content as Markdown.",
		Required:    []string{"urls"},
		Permission:  tools.Read,
		Normalize:   skills.URLAliases(defaultMaxPages, defaultMaxChars),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"max_pages": map[string]any{"type": "integer"},
				"max_chars": map[string]any{"type": "integer"},
			},
			"required": []string{"urls"},
		},
	}
}

func (c *Catalog) readURL(ctx context.Context, args map[string]any) (skills.Result, error) {
	urls, _ := args["urls"].([]string)
	if len(urls) == 0 {
		return skills.Err("urls must be a non-empty list"), nil
	}
	maxPages := intArg(args["max_pages"], defaultMaxPages)
	maxChars := intArg(args["max_chars"], defaultMaxChars)
	if len(urls) > maxPages {
		urls = urls[:maxPages]
	}

	pages := make(map[string]string, len(urls))
	var failed []string
	for _, raw := range urls {
		content, err := c.fetchMarkdown(ctx, raw, maxChars)
		if err != nil {
			failed = append(failed, raw)
			continue
		}
		pages[raw] = content
	}
	if len(pages) == 0 {
		return skills.Err(fmt.Sprintf("failed to read: %s", strings.Join(failed, ", "))), nil
	}
	msg := fmt.Sprintf("read %d of %d page(s)", len(pages), len(urls))
	return skills.Ok(msg, map[string]any{"pages": pages, "failed": failed}), nil
}

func (c *Catalog) fetchMarkdown(ctx context.Context, rawURL string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("read_url: %s returned status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}

	base, _ := url.Parse(rawURL)
	articleHTML := string(body)
	if art, rerr := readability.FromReader(strings.NewReader(articleHTML), base); rerr == nil && strings.TrimSpace(art.Content) != "" {
		articleHTML = art.Content
	}

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	markdown, err := converter.ConvertString(articleHTML)
	if err != nil {
		return "", err
	}
	if len(markdown) > maxChars {
		markdown = markdown[:maxChars]
	}
	return markdown, nil
}

func intArg(raw any, fallback int) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
