package xueqiu

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dex/internal/connector"
	"dex/internal/extract"
	"dex/internal/strategy"
	"dex/internal/surface"
)

// Stock is one watchlist entry.
type Stock struct {
	Symbol   string    `json:"symbol"`
	Name     string    `json:"name"`
	Exchange string    `json:"exchange,omitempty"`
	Remark   string    `json:"remark,omitempty"`
	AddedAt  time.Time `json:"addedAt,omitzero"`
}

type stockListResponse struct {
	Data struct {
		Stocks []struct {
			Symbol   string `json:"symbol"`
			Name     string `json:"name"`
			Exchange string `json:"exchange"`
			Remark   string `json:"remark"`
			Created  int64  `json:"created"`
		} `json:"stocks"`
	} `json:"data"`
	ErrorCode        int    `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func decodeStockList(body []byte) ([]Stock, error) {
	var resp stockListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != 0 {
		return nil, fmt.Errorf("api error %d: %s", resp.ErrorCode, resp.ErrorDescription)
	}

	stocks := make([]Stock, 0, len(resp.Data.Stocks))
	for _, s := range resp.Data.Stocks {
		st := Stock{Symbol: s.Symbol, Name: s.Name, Exchange: s.Exchange, Remark: s.Remark}
		if s.Created > 0 {
			st.AddedAt = time.UnixMilli(s.Created).UTC()
		}
		stocks = append(stocks, st)
	}
	return stocks, nil
}

func parseStockLink(sel *goquery.Selection) (Stock, bool) {
	symbol := symbolFromHref(sel.AttrOr("href", ""))
	if symbol == "" {
		return Stock{}, false
	}
	name := strategy.Text(sel.Find(".name").First())
	if name == "" {
		name = strategy.Text(sel)
	}
	return Stock{Symbol: symbol, Name: name}, true
}

func collectWatchlist(ctx context.Context, s connector.Session) (connector.Output, error) {
	api := surface.FetchRequest{
		URL: stockURL + "/v5/stock/portfolio/stock/list.json?size=1000&pid=-1&category=1",
	}
	tiers := []extract.Strategy[Stock]{
		strategy.API("api", s.Surface, api, decodeStockList),
		strategy.Captured("captured", s.Surface, captureWatchlist, s.Settle, decodeStockList),
		strategy.DOM("dom", s.Surface, strategy.DOMSpec[Stock]{
			Item:   `.optional__stock a[href*="/S/"], .stock__list a[href*="/S/"]`,
			Settle: s.Settle,
			Parse:  parseStockLink,
		}),
	}

	s.Report("Reading watchlist", nil)
	res := extract.Execute(ctx, tiers, extract.WithLogger(s.Logger))
	if res.Err != nil {
		return connector.Output{}, res.Err
	}
	connector.Debug(s.Sink, "debug.watchlist", "watchlist via %s: %d stocks", orNone(res.Strategy), len(res.Items))

	stocks := dedupStocks(res.Items)
	return connector.Output{Value: stocks, Count: len(stocks)}, nil
}

// dedupStocks drops repeated symbols; the DOM lists a stock once per group.
func dedupStocks(in []Stock) []Stock {
	seen := make(map[string]bool, len(in))
	out := make([]Stock, 0, len(in))
	for _, st := range in {
		if seen[st.Symbol] {
			continue
		}
		seen[st.Symbol] = true
		out = append(out, st)
	}
	return out
}

func orNone(name string) string {
	if name == "" {
		return "none"
	}
	return name
}
