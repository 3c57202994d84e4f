package xueqiu

import (
	"context"
	"fmt"
	"time"

	"dex/internal/connector"
	"dex/internal/extract"
	"dex/internal/progress"
	"dex/internal/surface"
)

// detailLimit caps how many posts get a detail request.
const detailLimit = 50

// PostDetail is the full record of a post.
type PostDetail struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Views     int       `json:"viewCount"`
	Favorites int       `json:"favCount"`
	Replies   int       `json:"replyCount"`
	Likes     int       `json:"likeCount"`
	EditedAt  time.Time `json:"editedAt,omitzero"`
}

type showResponse struct {
	ID           int64  `json:"id"`
	Text         string `json:"text"`
	ViewCount    int    `json:"view_count"`
	FavCount     int    `json:"fav_count"`
	ReplyCount   int    `json:"reply_count"`
	LikeCount    int    `json:"like_count"`
	EditedAt     int64  `json:"edited_at"`
	ErrorMessage string `json:"error_description"`
}

func fetchDetail(ctx context.Context, s surface.Surface, id string) (PostDetail, error) {
	var resp showResponse
	req := surface.FetchRequest{URL: baseURL + "/statuses/show.json?id=" + id}
	if err := surface.FetchJSON(ctx, s, req, &resp); err != nil {
		return PostDetail{}, err
	}
	if resp.ErrorMessage != "" {
		return PostDetail{}, fmt.Errorf("post %s: %s", id, resp.ErrorMessage)
	}

	d := PostDetail{
		ID:        id,
		Text:      htmlText(resp.Text),
		Views:     resp.ViewCount,
		Favorites: resp.FavCount,
		Replies:   resp.ReplyCount,
		Likes:     resp.LikeCount,
	}
	if resp.EditedAt > 0 {
		d.EditedAt = time.UnixMilli(resp.EditedAt).UTC()
	}
	return d, nil
}

// collectDetails expands the most recent posts. Individual failures are
// logged and skipped.
func collectDetails(ctx context.Context, s connector.Session) (connector.Output, error) {
	prior, ok := s.Prior[scopePosts]
	posts, _ := prior.Value.([]Post)
	if !ok || len(posts) == 0 {
		return connector.Output{Warning: "no posts to expand"}, nil
	}

	ids := make([]string, 0, min(len(posts), detailLimit))
	for _, p := range posts[:min(len(posts), detailLimit)] {
		ids = append(ids, p.ID)
	}

	s.Report(fmt.Sprintf("Fetching details for %d posts", len(ids)), nil)
	results := extract.Batch(ctx, ids, s.Batch, func(ctx context.Context, id string) (PostDetail, error) {
		return fetchDetail(ctx, s.Surface, id)
	})

	details := make([]PostDetail, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			s.Logger.Debug("post detail failed", "id", ids[r.Index], "error", r.Err)
			continue
		}
		details = append(details, r.Value)
	}
	if err := ctx.Err(); err != nil {
		return connector.Output{}, err
	}
	if len(details) == 0 {
		return connector.Output{}, fmt.Errorf("all %d detail requests failed", failed)
	}
	if failed > 0 {
		s.Sink.Log(fmt.Sprintf("Skipped %d posts whose details could not be loaded", failed))
	}

	s.Report(fmt.Sprintf("Loaded %d post details", len(details)), progress.Count(len(details)))
	return connector.Output{Value: details, Count: len(details)}, nil
}
