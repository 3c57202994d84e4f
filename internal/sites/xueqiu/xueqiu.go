// Package xueqiu exports a logged-in Xueqiu (雪球) account: the watchlist,
// the user's own posts and their details.
package xueqiu

import (
	"context"
	"errors"
	"fmt"

	"dex/internal/connector"
	"dex/internal/envelope"
	"dex/internal/surface"
)

const (
	baseURL  = "https://xueqiu.com"
	stockURL = "https://stock.xueqiu.com"

	scopeWatchlist = "xueqiu.watchlist"
	scopePosts     = "xueqiu.posts"
	scopeDetails   = "xueqiu.post_details"

	captureWatchlist = "watchlist"
	capturePosts     = "posts"
)

func init() {
	connector.Register(&Connector{})
}

// Connector implements connector.Connector for xueqiu.com.
type Connector struct{}

func (c *Connector) Name() string {
	return "xueqiu"
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Platform:     "Xueqiu",
		Version:      "1.0.0",
		StartURL:     baseURL,
		LoginURL:     baseURL,
		Noun:         envelope.Noun{Singular: "post", Plural: "posts"},
		PrimaryScope: scopePosts,
	}
}

// LoggedIn checks the xq_is_login cookie the site sets after sign-in.
func (c *Connector) LoggedIn(ctx context.Context, s surface.Surface) (bool, error) {
	v, err := surface.Cookie(ctx, s, "xq_is_login")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Identity reads the user id from the u cookie. A session without the
// xq_a_token cookie cannot call the APIs and counts as unresolved.
func (c *Connector) Identity(ctx context.Context, s surface.Surface) (connector.Identity, error) {
	uid, err := surface.Cookie(ctx, s, "u")
	if err != nil {
		return connector.Identity{}, fmt.Errorf("failed to read user cookie: %w", err)
	}
	if uid == "" {
		return connector.Identity{}, errors.New("user id cookie is missing")
	}
	token, err := surface.Cookie(ctx, s, "xq_a_token")
	if err != nil {
		return connector.Identity{}, fmt.Errorf("failed to read token cookie: %w", err)
	}
	if token == "" {
		return connector.Identity{}, errors.New("session token cookie is missing")
	}
	return connector.Identity{ID: uid}, nil
}

// Captures lists the API responses the site's own pages load.
func (c *Connector) Captures() map[string]string {
	return map[string]string{
		captureWatchlist: "/portfolio/stock/list.json",
		capturePosts:     "/statuses/user_timeline.json",
	}
}

func (c *Connector) Phases() []connector.Phase {
	return []connector.Phase{
		{Scope: scopeWatchlist, Label: "watchlist", Collect: collectWatchlist},
		{Scope: scopePosts, Label: "posts", Collect: collectPosts},
		{Scope: scopeDetails, Label: "post details", Optional: true, Collect: collectDetails},
	}
}

var _ connector.Capturer = (*Connector)(nil)
