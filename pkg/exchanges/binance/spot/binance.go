package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"resonance-trader/pkg/exchanges/common"
)

const (
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"
)

// Timeframes are the kline intervals served by the spot API.
var Timeframes = []string{"1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d"}

// Config holds Binance credentials and connection settings.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the mainnet/testnet URL when set
	RecvWindow int64  // ms
	Timeout    time.Duration
}

// Client is a Binance spot REST client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	limiter    *common.WeightLimiter
	logger     *zap.Logger

	filtersMu sync.RWMutex
	filters   map[string]symbolFilters

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New creates a client and starts background clock synchronization.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := mainnetURL
	if cfg.Testnet {
		base = testnetURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("binance"),
		filters:    make(map[string]symbolFilters),
	}
	c.limiter = common.NewWeightLimiter(1200, time.Minute, 10, c.logger)
	c.timeSync = common.NewTimeSync(c.ServerTime, c.logger)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if cfg.APIKey != "" {
		c.timeSync.Start(ctx)
	}
	return c
}

// Name implements common.Gateway.
func (c *Client) Name() string {
	if c.cfg.Testnet {
		return "binance-testnet"
	}
	return "binance-spot"
}

// AvailableTimeframes implements common.Gateway.
func (c *Client) AvailableTimeframes() []string {
	out := make([]string, len(Timeframes))
	copy(out, Timeframes)
	return out
}

// Close stops background work and releases idle connections.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.httpClient.CloseIdleConnections()
	})
	return nil
}

// SubmitOrder places an order. Quantity is rounded down to the symbol's lot step.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}

	qty, err := c.normalizeQty(ctx, req.Symbol, req.Qty)
	if err != nil {
		return common.OrderResult{}, err
	}
	if !qty.IsPositive() {
		return common.OrderResult{}, &common.APIError{Status: http.StatusBadRequest, Code: -1013,
			Message: fmt.Sprintf("quantity %v below lot size", req.Qty)}
	}

	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(ordType))
	params.Set("quantity", qty.String())
	params.Set("newOrderRespType", "FULL")
	if ordType == common.OrderTypeLimit {
		params.Set("price", decimal.NewFromFloat(req.Price).String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Accepted but unreadable: the caller settles it by client id.
		return common.OrderResult{}, common.Transient(fmt.Errorf("decode order response: %w", err))
	}
	return resp.result(), nil
}

// CancelOrder cancels an order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// QueryOrder fetches the authoritative state of an order.
func (c *Client) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	return c.queryOrder(ctx, symbol, "orderId", exchangeOrderID)
}

// QueryOrderByClientID fetches an order by the newClientOrderId it was sent with.
func (c *Client) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	return c.queryOrder(ctx, symbol, "origClientOrderId", clientID)
}

func (c *Client) queryOrder(ctx context.Context, symbol, key, id string) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set(key, id)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return common.OrderResult{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
		}
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.result(), nil
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	return nil
}

// doSigned stamps, signs and sends a private request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	query := params.Encode()

	var (
		req     *http.Request
		err     error
		encoded = query + "&signature=" + sign(query, c.cfg.APISecret)
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(ctx, req)
}

// doPublic sends an unsigned GET.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.Transient(err)
	}
	defer res.Body.Close()

	c.limiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Transient(err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{Status: res.StatusCode, Message: string(body)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func (r orderResponse) result() common.OrderResult {
	executed := parseDecimal(r.ExecutedQty)
	quote := parseDecimal(r.CummulativeQuoteQty)
	fee := decimal.Zero
	for _, f := range r.Fills {
		fee = fee.Add(parseDecimal(f.Commission))
	}
	avg := decimal.Zero
	if executed.IsPositive() {
		avg = quote.Div(executed)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          mapStatus(r.Status),
		FilledQty:       executed.InexactFloat64(),
		AvgPrice:        avg.InexactFloat64(),
		Fee:             fee.InexactFloat64(),
	}
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
