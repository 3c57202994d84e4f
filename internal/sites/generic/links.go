package generic

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dex/internal/connector"
	"dex/internal/paginate"
	"dex/internal/surface"
)

// Link is an anchor found on the page, with href made absolute.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

const (
	maxLinks    = 2000
	scrollPause = time.Second
)

// collectLinks scrolls an infinite page until its height stops growing or
// no new anchors turn up.
func collectLinks(ctx context.Context, s connector.Session) (connector.Output, error) {
	base, err := surface.URL(ctx, s.Surface)
	if err != nil {
		return connector.Output{}, fmt.Errorf("failed to read location: %w", err)
	}

	height, err := surface.ScrollHeight(ctx, s.Surface)
	if err != nil {
		return connector.Output{}, fmt.Errorf("failed to read page height: %w", err)
	}

	fetch := func(ctx context.Context, cur paginate.Cursor) (paginate.Page[Link], error) {
		var page paginate.Page[Link]
		if cur.Iteration > 1 {
			h, err := surface.ScrollToBottom(ctx, s.Surface)
			if err != nil {
				return page, err
			}
			if err := s.Surface.Sleep(ctx, scrollPause); err != nil {
				return page, err
			}
			page.Done = h <= height
			height = h
		}

		html, err := surface.OuterHTML(ctx, s.Surface, "body")
		if err != nil {
			return page, err
		}
		page.Items, err = parseLinks(html, base)
		return page, err
	}

	policy := s.Stop
	if policy.MaxItems == 0 || policy.MaxItems > maxLinks {
		policy.MaxItems = maxLinks
	}
	res := paginate.Collect(ctx, fetch, policy, func(l Link) string { return l.Href },
		paginate.WithProgress(s.Progress, s.Phase, "links"),
		paginate.WithLogger(s.Logger),
	)
	if res.Err != nil && len(res.Items) == 0 {
		return connector.Output{}, res.Err
	}

	if res.Err != nil {
		s.Logger.Warn("link collection cut short", "links", len(res.Items), "error", res.Err)
		s.Sink.Log(fmt.Sprintf("Link collection stopped early after %d links", len(res.Items)))
	}
	return connector.Output{Value: res.Items, Count: len(res.Items)}, nil
}

func parseLinks(html, base string) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	baseURL, _ := url.Parse(base)

	var links []Link
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if baseURL != nil {
			ref = baseURL.ResolveReference(ref)
		}
		ref.Fragment = ""
		links = append(links, Link{Href: ref.String(), Text: strings.Join(strings.Fields(a.Text()), " ")})
	})
	return links, nil
}
