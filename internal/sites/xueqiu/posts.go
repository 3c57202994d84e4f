package xueqiu

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dex/internal/connector"
	"dex/internal/extract"
	"dex/internal/paginate"
	"dex/internal/strategy"
	"dex/internal/surface"
)

// Post is one status on the user's timeline.
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Replies   int       `json:"replyCount"`
	Likes     int       `json:"likeCount"`
	Retweets  int       `json:"retweetCount"`
	Source    string    `json:"source,omitempty"`
	URL       string    `json:"url"`
}

type timelineResponse struct {
	Statuses []struct {
		ID           int64  `json:"id"`
		Title        string `json:"title"`
		Text         string `json:"text"`
		Description  string `json:"description"`
		CreatedAt    int64  `json:"created_at"`
		ReplyCount   int    `json:"reply_count"`
		LikeCount    int    `json:"like_count"`
		RetweetCount int    `json:"retweet_count"`
		Source       string `json:"source"`
		Target       string `json:"target"`
	} `json:"statuses"`
	Page             int    `json:"page"`
	MaxPage          int    `json:"maxPage"`
	ErrorDescription string `json:"error_description"`
}

// timelinePage is one page of the timeline whichever tier produced it.
type timelinePage struct {
	Posts   []Post
	Page    int
	MaxPage int
	Last    bool
}

func decodeTimeline(body []byte) ([]timelinePage, error) {
	var resp timelineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorDescription != "" {
		return nil, fmt.Errorf("api error: %s", resp.ErrorDescription)
	}

	page := timelinePage{Posts: make([]Post, 0, len(resp.Statuses)), Page: resp.Page, MaxPage: resp.MaxPage}
	for _, st := range resp.Statuses {
		text := st.Text
		if text == "" {
			text = st.Description
		}
		p := Post{
			ID:       strconv.FormatInt(st.ID, 10),
			Title:    st.Title,
			Text:     htmlText(text),
			Replies:  st.ReplyCount,
			Likes:    st.LikeCount,
			Retweets: st.RetweetCount,
			Source:   st.Source,
		}
		if st.CreatedAt > 0 {
			p.CreatedAt = time.UnixMilli(st.CreatedAt).UTC()
		}
		if st.Target != "" {
			p.URL = baseURL + st.Target
		}
		page.Posts = append(page.Posts, p)
	}
	page.Last = page.MaxPage > 0 && page.Page >= page.MaxPage
	return []timelinePage{page}, nil
}

// timeline walks the user's posts page by page. The API tier needs no page
// state; the captured and DOM tiers read the profile page and advance it by
// clicking its pager.
type timeline struct {
	s         connector.Session
	onProfile bool
}

func collectPosts(ctx context.Context, s connector.Session) (connector.Output, error) {
	t := &timeline{s: s}
	res := paginate.Collect(ctx, t.fetch, s.Stop, func(p Post) string { return p.ID },
		paginate.WithProgress(s.Progress, s.Phase, "posts"),
		paginate.WithLogger(s.Logger),
	)
	s.Logger.Debug("timeline finished", "reason", res.Reason, "iterations", res.Iterations)

	if res.Err != nil {
		if len(res.Items) == 0 {
			return connector.Output{}, res.Err
		}
		s.Sink.Log(fmt.Sprintf("Stopped reading posts after %d: %v", len(res.Items), res.Err))
	}
	return connector.Output{Value: res.Items, Count: len(res.Items)}, nil
}

func (t *timeline) fetch(ctx context.Context, cur paginate.Cursor) (paginate.Page[Post], error) {
	tiers := []extract.Strategy[timelinePage]{
		strategy.API("api", t.s.Surface, surface.FetchRequest{
			URL: fmt.Sprintf("%s/v4/statuses/user_timeline.json?user_id=%s&page=%d", baseURL, t.s.Identity.ID, cur.Iteration),
		}, decodeTimeline),
	}
	if cur.Iteration == 1 {
		tiers = append(tiers, extract.Func("captured", t.captured))
	}
	tiers = append(tiers, extract.Func("dom", func(ctx context.Context) ([]timelinePage, error) {
		return t.dom(ctx, cur.Iteration)
	}))

	res := extract.Execute(ctx, tiers, extract.WithLogger(t.s.Logger))
	if !res.Succeeded() {
		if res.Err == nil {
			return paginate.Page[Post]{Done: true}, nil
		}
		return paginate.Page[Post]{}, res.Err
	}
	connector.Debug(t.s.Sink, "debug.posts", "page %d via %s: %d posts", cur.Iteration, res.Strategy, len(res.Items[0].Posts))

	page := res.Items[0]
	return paginate.Page[Post]{Items: page.Posts, Done: page.Last}, nil
}

func (t *timeline) openProfile(ctx context.Context) error {
	if t.onProfile {
		return nil
	}
	if err := t.s.Surface.Navigate(ctx, baseURL+"/u/"+t.s.Identity.ID); err != nil {
		return fmt.Errorf("failed to open profile: %w", err)
	}
	t.onProfile = true
	return nil
}

func (t *timeline) captured(ctx context.Context) ([]timelinePage, error) {
	if err := t.openProfile(ctx); err != nil {
		return nil, err
	}
	return strategy.Captured("captured", t.s.Surface, capturePosts, t.s.Settle, decodeTimeline).Attempt(ctx)
}

func (t *timeline) dom(ctx context.Context, iteration int) ([]timelinePage, error) {
	if err := t.openProfile(ctx); err != nil {
		return nil, err
	}
	if iteration > 1 {
		clicked, err := surface.Click(ctx, t.s.Surface, ".pagination__next")
		if err != nil {
			return nil, err
		}
		if !clicked {
			return []timelinePage{{Page: iteration, Last: true}}, nil
		}
	}

	now := t.s.Surface.Now()
	posts, err := strategy.DOM("dom", t.s.Surface, strategy.DOMSpec[Post]{
		Item:   ".timeline__item",
		Settle: t.s.Settle,
		Parse: func(sel *goquery.Selection) (Post, bool) {
			return parseTimelineItem(sel, now)
		},
	}).Attempt(ctx)
	if err != nil || len(posts) == 0 {
		return nil, err
	}

	more, err := surface.Count(ctx, t.s.Surface, ".pagination__next")
	if err != nil {
		more = 0
	}
	return []timelinePage{{Posts: posts, Page: iteration, Last: more == 0}}, nil
}

// parseTimelineItem reads one rendered .timeline__item.
func parseTimelineItem(item *goquery.Selection, now time.Time) (Post, bool) {
	link := item.Find("a.date-and-source[data-id]").First()
	id := link.AttrOr("data-id", "")
	if id == "" {
		return Post{}, false
	}

	relTime := strategy.Text(link)
	p := Post{
		ID:        id,
		Text:      strategy.Text(item.Find(".timeline__item__content .content").First()),
		CreatedAt: parseRelativeTime(relTime, now).UTC(),
		Replies:   parseCount(item.Find(".replay-count").First().Text()),
		Likes:     parseCount(item.Find(".like-count").First().Text()),
	}
	if _, source, ok := cutSource(relTime); ok {
		p.Source = source
	}
	if href := link.AttrOr("href", ""); href != "" {
		if href[0] == '/' {
			href = baseURL + href
		}
		p.URL = href
	}
	return p, true
}

// cutSource splits "10-24 09:13 · 来自雪球" into time and client.
func cutSource(s string) (string, string, bool) {
	when, src, found := strings.Cut(s, "·")
	if !found {
		return s, "", false
	}
	src = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(src), "来自"))
	return strings.TrimSpace(when), src, src != ""
}
