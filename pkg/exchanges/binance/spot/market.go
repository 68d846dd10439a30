package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"resonance-trader/pkg/exchanges/common"
)

// FetchCandles returns the most recent klines, oldest first. The last one may still be forming.
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 6 {
			continue
		}
		var openMs int64
		if err := json.Unmarshal(item[0], &openMs); err != nil {
			continue
		}
		candles = append(candles, common.Candle{
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     rawFloat(item[1]),
			High:     rawFloat(item[2]),
			Low:      rawFloat(item[3]),
			Close:    rawFloat(item[4]),
			Volume:   rawFloat(item[5]),
		})
	}
	return candles, nil
}

// FetchPrice returns the last traded price.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	p, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", resp.Price, err)
	}
	return p.InexactFloat64(), nil
}

// ServerTime fetches the exchange clock in epoch ms.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

type symbolFilters struct {
	stepSize decimal.Decimal
	minQty   decimal.Decimal
}

// normalizeQty rounds qty down to the LOT_SIZE step of symbol.
func (c *Client) normalizeQty(ctx context.Context, symbol string, qty float64) (decimal.Decimal, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	q := decimal.NewFromFloat(qty)
	if f.stepSize.IsPositive() {
		q = q.Div(f.stepSize).Floor().Mul(f.stepSize)
	}
	if q.LessThan(f.minQty) {
		return decimal.Zero, nil
	}
	return q, nil
}

func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", params)
	if err != nil {
		return symbolFilters{}, fmt.Errorf("exchange info %s: %w", symbol, err)
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return symbolFilters{}, fmt.Errorf("decode exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, flt := range s.Filters {
			if flt.FilterType == "LOT_SIZE" {
				f.stepSize = parseDecimal(flt.StepSize)
				f.minQty = parseDecimal(flt.MinQty)
			}
		}
	}

	c.filtersMu.Lock()
	c.filters[symbol] = f
	c.filtersMu.Unlock()
	return f, nil
}

func rawFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseDecimal(s).InexactFloat64()
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}
