package generic

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"dex/internal/connector"
	"dex/internal/extract"
	"dex/internal/progress"
	"dex/internal/strategy"
	"dex/internal/surface"
)

// Page is the readable content of the current page.
type Page struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Source   string `json:"source"` // the element the content came from
	Markdown string `json:"markdown"`
}

// Table is one HTML table. Headers is empty when the table has no header row.
type Table struct {
	Index   int        `json:"index"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// contentSelectors are tried in order; the first with text wins.
var contentSelectors = []string{"article", "main", "[role=main]", ".content", ".post", "body"}

func collectContent(ctx context.Context, s connector.Session) (connector.Output, error) {
	tiers := make([]extract.Strategy[string], 0, len(contentSelectors))
	for _, sel := range contentSelectors {
		tiers = append(tiers, strategy.DOM(sel, s.Surface, strategy.DOMSpec[string]{
			Container: "body",
			Item:      sel,
			Parse:     outerHTMLWithText,
		}))
	}

	s.Report("Reading page content", nil)
	res := extract.Execute(ctx, tiers, extract.WithLogger(s.Logger))
	if !res.Succeeded() {
		if res.Err != nil {
			return connector.Output{}, res.Err
		}
		return connector.Output{Value: Page{}, Warning: "page has no readable content"}, nil
	}

	markdown, err := strategy.Markdown(res.Items[0])
	if err != nil {
		return connector.Output{}, err
	}
	page := Page{Source: res.Strategy, Markdown: markdown}
	page.Title, _ = surface.Title(ctx, s.Surface)
	page.URL, _ = surface.URL(ctx, s.Surface)

	count := 0
	if markdown != "" {
		count = 1
	}
	return connector.Output{Value: page, Count: count}, nil
}

func outerHTMLWithText(sel *goquery.Selection) (string, bool) {
	if strategy.Text(sel) == "" {
		return "", false
	}
	html, err := goquery.OuterHtml(sel)
	return html, err == nil
}

func collectTables(ctx context.Context, s connector.Session) (connector.Output, error) {
	html, err := surface.OuterHTML(ctx, s.Surface, "body")
	if err != nil {
		return connector.Output{}, fmt.Errorf("failed to read page: %w", err)
	}
	tables, err := parseTables(html)
	if err != nil {
		return connector.Output{}, err
	}
	s.Report(fmt.Sprintf("Found %d tables", len(tables)), progress.Count(len(tables)))
	return connector.Output{Value: tables, Count: len(tables)}, nil
}

func parseTables(html string) ([]Table, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	tables := []Table{}
	doc.Find("table").Each(func(i int, table *goquery.Selection) {
		t := Table{Index: i + 1, Headers: []string{}, Rows: [][]string{}}

		var dataRows *goquery.Selection
		if head := table.Find("thead tr").First(); head.Length() > 0 {
			t.Headers = cells(head)
			dataRows = table.Find("tbody tr")
		} else {
			rows := table.Find("tr")
			if rows.First().Find("th").Length() > 0 {
				t.Headers = cells(rows.First())
				rows = rows.Slice(1, goquery.ToEnd)
			}
			dataRows = rows
		}

		dataRows.Each(func(_ int, row *goquery.Selection) {
			if record := cells(row); len(record) > 0 {
				t.Rows = append(t.Rows, record)
			}
		})
		tables = append(tables, t)
	})
	return tables, nil
}

func cells(row *goquery.Selection) []string {
	var record []string
	row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		record = append(record, strategy.Text(cell))
	})
	return record
}
