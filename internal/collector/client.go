package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/YibaiLin/a-share-hub/internal/shared"
)

// QuoteClient talks to the eastmoney-style quote API. It performs one plain
// HTTP round trip per call; throttling and retries live in the layers above.
type QuoteClient struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

func NewQuoteClient(baseURL, userAgent string, timeout time.Duration) *QuoteClient {
	return &QuoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent: userAgent,
	}
}

type klineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// FetchKlines fetches raw daily kline strings for one bare symbol. Dates are
// YYYYMMDD; empty klines mean the listing had no trades in the range.
func (c *QuoteClient) FetchKlines(ctx context.Context, symbol, startDate, endDate string) ([]string, error) {
	q := url.Values{}
	q.Set("secid", secID(symbol))
	q.Set("klt", "101") // daily
	q.Set("fqt", "0")   // unadjusted
	q.Set("beg", startDate)
	q.Set("end", endDate)
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")

	var resp klineResponse
	if err := c.getJSON(ctx, "/api/qt/stock/kline/get", q, &resp); err != nil {
		return nil, err
	}

	if resp.Data == nil {
		return nil, nil
	}
	return resp.Data.Klines, nil
}

type listResponse struct {
	Data *struct {
		Total int `json:"total"`
		Diff  []struct {
			Code string `json:"f12"`
			Name string `json:"f14"`
		} `json:"diff"`
	} `json:"data"`
}

// FetchStockList pages through the full A-share listing.
func (c *QuoteClient) FetchStockList(ctx context.Context) ([]shared.StockInfo, error) {
	const pageSize = 5000

	var stocks []shared.StockInfo
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("pn", fmt.Sprint(page))
		q.Set("pz", fmt.Sprint(pageSize))
		q.Set("fs", "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23,m:0+t:81+s:2048")
		q.Set("fields", "f12,f14")

		var resp listResponse
		if err := c.getJSON(ctx, "/api/qt/clist/get", q, &resp); err != nil {
			return nil, err
		}
		if resp.Data == nil || len(resp.Data.Diff) == 0 {
			break
		}

		for _, d := range resp.Data.Diff {
			if d.Code == "" {
				continue
			}
			stocks = append(stocks, shared.StockInfo{TsCode: d.Code, Name: d.Name})
		}

		if len(stocks) >= resp.Data.Total {
			break
		}
	}

	return stocks, nil
}

func (c *QuoteClient) getJSON(ctx context.Context, path string, q url.Values, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// the status code stays in the message so the rate-limit classifier
		// can recognize a 429
		return fmt.Errorf("non-200 status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// secID maps a bare symbol to the upstream's market-prefixed id:
// Shanghai listings are market 1, everything else market 0.
func secID(symbol string) string {
	if strings.HasPrefix(symbol, "6") {
		return "1." + symbol
	}
	return "0." + symbol
}
