package strategy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex/internal/extract"
	"dex/internal/poll"
	"dex/internal/surface"
	"dex/internal/surface/surfacetest"
)

type stock struct {
	Symbol string `json:"symbol"`
}

func decodeStocks(body []byte) ([]stock, error) {
	var payload struct {
		Data struct {
			Stocks []stock `json:"stocks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload.Data.Stocks, nil
}

func TestAPI(t *testing.T) {
	f := surfacetest.New().Route("/list.json", func(req surface.FetchRequest) (surface.FetchResponse, error) {
		assert.Equal(t, "GET", req.Method)
		return surface.FetchResponse{Status: 200, Body: `{"data":{"stocks":[{"symbol":"SH600519"},{"symbol":"SZ000729"}]}}`}, nil
	})

	items, err := API("api", f, surface.FetchRequest{URL: "https://x/list.json"}, decodeStocks).Attempt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []stock{{"SH600519"}, {"SZ000729"}}, items)
}

func TestAPIHTTPError(t *testing.T) {
	f := surfacetest.New().Route("/list.json", func(surface.FetchRequest) (surface.FetchResponse, error) {
		return surface.FetchResponse{Status: 403, Body: "denied"}, nil
	})

	_, err := API("api", f, surface.FetchRequest{URL: "https://x/list.json"}, decodeStocks).Attempt(context.Background())
	var httpErr *surface.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 403, httpErr.Status)
}

func TestCapturedWaitsForResponse(t *testing.T) {
	f := surfacetest.New()
	f.Capture("stocks", "/list.json")

	calls := 0
	wait := poll.Policy{MaxAttempts: 5, Interval: time.Second}

	// the response shows up while the tier is polling
	s := Captured("captured", &deliverOnSleep{Fake: f, after: 2, calls: &calls}, "stocks", wait, decodeStocks)
	items, err := s.Attempt(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, calls)
}

type deliverOnSleep struct {
	*surfacetest.Fake
	after int
	calls *int
}

func (d *deliverOnSleep) Sleep(ctx context.Context, dur time.Duration) error {
	*d.calls++
	if *d.calls == d.after {
		d.Deliver("https://stock.x/v5/list.json?size=1000", []byte(`{"data":{"stocks":[{"symbol":"SH600519"}]}}`))
	}
	return d.Fake.Sleep(ctx, dur)
}

func TestCapturedNothingArrives(t *testing.T) {
	f := surfacetest.New()
	f.Capture("stocks", "/list.json")

	_, err := Captured("captured", f, "stocks", poll.Policy{MaxAttempts: 3, Interval: time.Second}, decodeStocks).
		Attempt(context.Background())
	assert.ErrorIs(t, err, ErrNotCaptured)
	assert.Equal(t, 2*time.Second, f.Slept)
}

const listHTML = `<ul class="list">
  <li class="row" data-symbol="SH600519"><span>Kweichow   Moutai</span></li>
  <li class="row" data-symbol=""><span>broken</span></li>
  <li class="row" data-symbol="SZ000729"><span>Yanjing Beer</span></li>
</ul>`

func parseRow(sel *goquery.Selection) (stock, bool) {
	sym, _ := sel.Attr("data-symbol")
	return stock{Symbol: sym}, sym != ""
}

func TestDOM(t *testing.T) {
	f := surfacetest.New().
		Value(surface.OpCount, 3).
		Value(surface.OpOuterHTML, listHTML)

	items, err := DOM("dom", f, DOMSpec[stock]{
		Container: ".list",
		Item:      "li.row",
		Settle:    poll.Policy{MaxAttempts: 3, Interval: time.Second},
		Parse:     parseRow,
	}).Attempt(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []stock{{"SH600519"}, {"SZ000729"}}, items)
	assert.Zero(t, f.Slept)
}

func TestDOMWaitsForLazyList(t *testing.T) {
	n := 0
	f := surfacetest.New().
		Handle(surface.OpCount, func([]any) (any, error) {
			n++
			if n < 3 {
				return 0, nil
			}
			return 3, nil
		}).
		Value(surface.OpOuterHTML, listHTML)

	items, err := DOM("dom", f, DOMSpec[stock]{
		Item:   "li.row",
		Settle: poll.Policy{MaxAttempts: 5, Interval: 500 * time.Millisecond},
		Parse:  parseRow,
	}).Attempt(context.Background())

	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, time.Second, f.Slept)
}

func TestDOMMissingContainer(t *testing.T) {
	f := surfacetest.New().Value(surface.OpCount, 0).Value(surface.OpOuterHTML, "")

	_, err := DOM("dom", f, DOMSpec[stock]{Container: ".gone", Item: "li", Parse: parseRow}).Attempt(context.Background())
	assert.Error(t, err)
}

func TestTiersThroughExecutor(t *testing.T) {
	f := surfacetest.New().
		Route("/list.json", func(surface.FetchRequest) (surface.FetchResponse, error) {
			return surface.FetchResponse{Status: 500}, nil
		}).
		Value(surface.OpCount, 3).
		Value(surface.OpOuterHTML, listHTML)

	res := extract.Execute(context.Background(), []extract.Strategy[stock]{
		API("api", f, surface.FetchRequest{URL: "https://x/list.json"}, decodeStocks),
		DOM("dom", f, DOMSpec[stock]{Item: "li.row", Parse: parseRow}),
	})

	require.True(t, res.Succeeded())
	assert.Equal(t, "dom", res.Strategy)
	assert.Len(t, res.Attempts, 2)
	assert.Error(t, res.Attempts[0].Err)
}

func TestMarkdownAndText(t *testing.T) {
	out, err := Markdown("<h1>Title</h1><p>Some <strong>bold</strong> text</p>")
	require.NoError(t, err)
	assert.Contains(t, out, "# Title")
	assert.Contains(t, out, "**bold**")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<p>  a \n\n b  </p>"))
	require.NoError(t, err)
	assert.Equal(t, "a b", Text(doc.Find("p")))
}
