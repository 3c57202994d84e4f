// Package generic exports any page that needs no login: its readable
// content, its tables and its links.
package generic

import (
	"context"
	"net/url"

	"dex/internal/connector"
	"dex/internal/envelope"
	"dex/internal/surface"
)

func init() {
	connector.Register(&Connector{})
}

// Connector implements connector.Connector for arbitrary pages. The run
// request's url picks the page.
type Connector struct{}

func (c *Connector) Name() string {
	return "generic"
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Platform:     "Web page",
		Version:      "1.0.0",
		RequiresURL:  true,
		Noun:         envelope.Noun{Singular: "page", Plural: "pages"},
		PrimaryScope: "page.content",
	}
}

// LoggedIn is always true; public pages have no session to wait for.
func (c *Connector) LoggedIn(context.Context, surface.Surface) (bool, error) {
	return true, nil
}

// Identity names the export after the page's host.
func (c *Connector) Identity(ctx context.Context, s surface.Surface) (connector.Identity, error) {
	id := connector.Identity{ID: "anonymous"}
	if loc, err := surface.URL(ctx, s); err == nil {
		if u, err := url.Parse(loc); err == nil && u.Host != "" {
			id.ID = u.Host
		}
	}
	id.Name, _ = surface.Title(ctx, s)
	return id, nil
}

func (c *Connector) Phases() []connector.Phase {
	return []connector.Phase{
		{Scope: "page.content", Label: "page content", Collect: collectContent},
		{Scope: "page.tables", Label: "tables", Optional: true, Collect: collectTables},
		{Scope: "page.links", Label: "links", Optional: true, Collect: collectLinks},
	}
}
