package spot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"resonance-trader/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFetchCandles(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			w.Write([]byte(`{"serverTime":1700000000000}`))
		case "/api/v3/klines":
			if r.URL.Query().Get("interval") != "5m" {
				t.Errorf("interval=%s", r.URL.Query().Get("interval"))
			}
			w.Write([]byte(`[
				[1700000000000,"100.0","110.5","95.25","105.0","12.5",1700000299999,"0",10,"0","0","0"],
				[1700000300000,"105.0","106.0","104.0","105.5","3.0",1700000599999,"0",4,"0","0","0"]
			]`))
		default:
			http.NotFound(w, r)
		}
	})

	candles, err := c.FetchCandles(context.Background(), "BTCUSDT", "5m", 2)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len=%d, want 2", len(candles))
	}
	first := candles[0]
	if !first.OpenTime.Equal(time.UnixMilli(1700000000000)) || first.High != 110.5 || first.Low != 95.25 || first.Volume != 12.5 {
		t.Errorf("first candle=%+v", first)
	}
}

func TestSubmitOrderRoundsToLotStep(t *testing.T) {
	var gotQty, gotSig string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			w.Write([]byte(`{"serverTime":1700000000000}`))
		case "/api/v3/exchangeInfo":
			w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"LOT_SIZE","stepSize":"0.00010000","minQty":"0.00010000"}]}]}`))
		case "/api/v3/order":
			if err := r.ParseForm(); err != nil {
				t.Fatal(err)
			}
			gotQty = r.PostForm.Get("quantity")
			gotSig = r.PostForm.Get("signature")
			if r.Header.Get("X-MBX-APIKEY") != "key" {
				t.Error("missing api key header")
			}
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid","status":"FILLED",
				"executedQty":"0.00230000","cummulativeQuoteQty":"92.00000000",
				"fills":[{"price":"40000","qty":"0.0023","commission":"0.092"}]}`))
		}
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.0023456, ClientID: "cid",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if gotQty != "0.0023" {
		t.Errorf("quantity=%s, want 0.0023", gotQty)
	}
	if gotSig == "" {
		t.Error("request was not signed")
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusFilled {
		t.Errorf("result=%+v", res)
	}
	if res.FilledQty != 0.0023 || res.AvgPrice != 40000 || res.Fee != 0.092 {
		t.Errorf("fill details=%+v", res)
	}
}

func TestErrorsAreClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			w.Write([]byte(`{"serverTime":1700000000000}`))
		case "/api/v3/ticker/price":
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
		case "/api/v3/order":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		}
	})

	_, err := c.FetchPrice(context.Background(), "BTCUSDT")
	if !common.IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}

	_, err = c.QueryOrder(context.Background(), "BTCUSDT", "7")
	if !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if common.IsTransient(err) {
		t.Error("unknown order must not be transient")
	}
}

func TestSubmitOutcomeClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"refused", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance."}`, false},
		{"server error", http.StatusServiceUnavailable, `{"code":-1001,"msg":"Internal error"}`, true},
		{"accepted but unreadable", http.StatusOK, `{"symbol":"BTCUSDT","orderId":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/api/v3/time":
					w.Write([]byte(`{"serverTime":1700000000000}`))
				case "/api/v3/exchangeInfo":
					w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
						{"filterType":"LOT_SIZE","stepSize":"0.00010000","minQty":"0.00010000"}]}]}`))
				case "/api/v3/order":
					w.WriteHeader(tt.status)
					w.Write([]byte(tt.body))
				}
			})
			_, err := c.SubmitOrder(context.Background(), common.OrderRequest{
				Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.01, ClientID: "cid",
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := common.IsTransient(err); got != tt.transient {
				t.Errorf("transient=%v, want %v (%v)", got, tt.transient, err)
			}
		})
	}
}

func TestQueryOrderByClientID(t *testing.T) {
	var gotClient, gotOrderID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			w.Write([]byte(`{"serverTime":1700000000000}`))
		case "/api/v3/order":
			gotClient = r.URL.Query().Get("origClientOrderId")
			gotOrderID = r.URL.Query().Get("orderId")
			if gotClient != "cid-1" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
				return
			}
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":9,"clientOrderId":"cid-1","status":"FILLED",
				"executedQty":"1.00000000","cummulativeQuoteQty":"100.00000000"}`))
		}
	})

	res, err := c.QueryOrderByClientID(context.Background(), "BTCUSDT", "cid-1")
	if err != nil {
		t.Fatalf("QueryOrderByClientID: %v", err)
	}
	if gotOrderID != "" {
		t.Errorf("orderId=%q sent with a client id lookup", gotOrderID)
	}
	if res.ExchangeOrderID != "9" || res.ClientID != "cid-1" || res.Status != common.StatusFilled || res.AvgPrice != 100 {
		t.Errorf("result=%+v", res)
	}

	if _, err := c.QueryOrderByClientID(context.Background(), "BTCUSDT", "cid-2"); !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSubmitRequiresKeys(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	defer c.Close()
	if _, err := c.SubmitOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Qty: 1}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
