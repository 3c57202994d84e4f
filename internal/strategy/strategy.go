// Package strategy provides the extraction tiers connectors share: an
// in-page API call, a captured network response and a DOM scrape.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"

	"dex/internal/extract"
	"dex/internal/poll"
	"dex/internal/surface"
)

// Decoder turns a response body into items.
type Decoder[T any] func(body []byte) ([]T, error)

// ErrNotCaptured means no matching response arrived in time.
var ErrNotCaptured = errors.New("no captured response")

// API fetches req from inside the logged-in page and decodes a 2xx body.
func API[T any](name string, s surface.Surface, req surface.FetchRequest, decode Decoder[T]) extract.Strategy[T] {
	return extract.Func(name, func(ctx context.Context) ([]T, error) {
		resp, err := surface.Fetch(ctx, s, req)
		if err != nil {
			return nil, err
		}
		if resp.Status < 200 || resp.Status > 299 {
			return nil, &surface.HTTPError{URL: req.URL, Status: resp.Status}
		}
		items, err := decode([]byte(resp.Body))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", req.URL, err)
		}
		return items, nil
	})
}

// Captured waits for a response registered under key and decodes it. The
// caller registers the pattern with surface.Capture before the page loads.
func Captured[T any](name string, s surface.Surface, key string, wait poll.Policy, decode Decoder[T]) extract.Strategy[T] {
	return extract.Func(name, func(ctx context.Context) ([]T, error) {
		var c surface.Capture
		err := wait.Until(ctx, s, func(context.Context) (bool, error) {
			var ok bool
			c, ok = s.Captured(key)
			return ok, nil
		})
		if errors.Is(err, poll.ErrExhausted) {
			return nil, fmt.Errorf("%w for %s", ErrNotCaptured, key)
		}
		if err != nil {
			return nil, err
		}
		items, err := decode(c.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode captured %s: %w", c.URL, err)
		}
		return items, nil
	})
}

// DOMSpec describes a DOM scrape.
type DOMSpec[T any] struct {
	Container string      // outer HTML of the first match is parsed
	Item      string      // selector for each item inside Container
	Settle    poll.Policy // waits for Item to appear, for lazy-loaded lists
	Parse     func(sel *goquery.Selection) (T, bool)
}

// DOM reads the rendered page. Items Parse rejects are skipped.
func DOM[T any](name string, s surface.Surface, spec DOMSpec[T]) extract.Strategy[T] {
	return extract.Func(name, func(ctx context.Context) ([]T, error) {
		container := spec.Container
		if container == "" {
			container = "body"
		}

		err := spec.Settle.Until(ctx, s, func(ctx context.Context) (bool, error) {
			n, err := surface.Count(ctx, s, spec.Item)
			return n > 0, err
		})
		if err != nil && !errors.Is(err, poll.ErrExhausted) {
			return nil, err
		}

		html, err := surface.OuterHTML(ctx, s, container)
		if err != nil {
			return nil, err
		}
		if html == "" {
			return nil, fmt.Errorf("container %q not found", container)
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, fmt.Errorf("failed to parse HTML: %w", err)
		}

		var items []T
		doc.Find(spec.Item).Each(func(_ int, sel *goquery.Selection) {
			if item, ok := spec.Parse(sel); ok {
				items = append(items, item)
			}
		})
		return items, nil
	})
}

// Markdown converts an HTML fragment to GitHub-flavored Markdown, tables
// included.
func Markdown(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	out, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("failed to convert HTML to Markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Text returns the selection's text with whitespace collapsed.
func Text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}
