package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"resonance-trader/internal/engine"
	"resonance-trader/internal/events"
	"resonance-trader/internal/monitor"
	"resonance-trader/internal/order"
	"resonance-trader/internal/pairs"
	"resonance-trader/internal/settings"
)

// fakeService behaves like the controller for the commands the api relays.
type fakeService struct {
	mu       sync.Mutex
	bus      *events.Bus
	status   engine.Status
	applied  []engine.Command
	orders   []order.Order
	settings []settings.Setting
	setErr   error
}

func newFakeService(bus *events.Bus) *fakeService {
	return &fakeService{
		bus: bus,
		status: engine.Status{
			Timeframe:        "5m",
			TimeframeOptions: []string{"1m", "5m", "15m", "1h"},
			ActivePair:       "BTCUSDT",
			TradingEnabled:   true,
			Mode:             "paper",
		},
		settings: []settings.Setting{{Key: "timeframe", Value: "5m"}},
	}
}

func (f *fakeService) Apply(_ context.Context, cmd engine.Command) engine.Ack {
	if err := cmd.Validate(); err != nil {
		return engine.Ack{Type: cmd.Type, Ack: engine.AckError, Reason: err.Error()}
	}
	f.mu.Lock()
	f.applied = append(f.applied, cmd)
	switch cmd.Type {
	case engine.CmdTimeframe:
		supported := false
		for _, tf := range f.status.TimeframeOptions {
			supported = supported || tf == cmd.Timeframe
		}
		if !supported {
			f.mu.Unlock()
			return engine.Ack{Type: cmd.Type, Ack: engine.AckError, Reason: engine.ErrInvalidTimeframe.Error()}
		}
		f.status.Timeframe = cmd.Timeframe
	case engine.CmdStop:
		f.status.TradingEnabled = false
	case engine.CmdStart:
		f.status.TradingEnabled = true
	}
	st := f.status
	f.mu.Unlock()
	f.bus.Publish(events.EventStatus, st)
	return engine.Ack{Type: cmd.Type, Ack: engine.AckOK}
}

func (f *fakeService) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeService) RecentOrders(n int) []order.Order {
	if n < len(f.orders) {
		return f.orders[:n]
	}
	return f.orders
}

func (f *fakeService) Pairs() []pairs.Pair {
	return []pairs.Pair{{Symbol: "BTCUSDT", Active: true}, {Symbol: "ETHUSDT"}}
}

func (f *fakeService) Settings(context.Context) ([]settings.Setting, error) {
	return f.settings, f.setErr
}

func (f *fakeService) appliedCommands() []engine.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Command(nil), f.applied...)
}

func setupServer(t *testing.T, secret string) (*Server, *fakeService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.NewBus()
	svc := newFakeService(bus)
	srv := NewServer(svc, bus, monitor.NewMetrics(), zap.NewNop(), SystemMeta{Mode: "paper", Venue: "paper"}, secret)
	return srv, svc
}

func doJSON(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReadEndpoints(t *testing.T) {
	srv, svc := setupServer(t, "")
	svc.orders = []order.Order{{ID: "a", Symbol: "BTCUSDT"}, {ID: "b", Symbol: "BTCUSDT"}}

	tests := []struct {
		name     string
		path     string
		wantCode int
		contains string
	}{
		{"health", "/health", http.StatusOK, `"status":"ok"`},
		{"status", "/api/status", http.StatusOK, `"timeframe":"5m"`},
		{"settings", "/api/settings", http.StatusOK, `"key":"timeframe"`},
		{"orders limited", "/api/orders?limit=1", http.StatusOK, `"id":"a"`},
		{"orders bad limit", "/api/orders?limit=-3", http.StatusBadRequest, "limit"},
		{"pairs", "/api/pairs", http.StatusOK, `"symbol":"ETHUSDT"`},
		{"unknown route", "/api/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv.Router, http.MethodGet, tt.path, "", "")
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.contains != "" && !strings.Contains(w.Body.String(), tt.contains) {
				t.Fatalf("body %s does not contain %s", w.Body.String(), tt.contains)
			}
		})
	}

	w := doJSON(t, srv.Router, http.MethodGet, "/api/orders?limit=1", "", "")
	if strings.Contains(w.Body.String(), `"id":"b"`) {
		t.Fatalf("limit not applied: %s", w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestSettingsFailure(t *testing.T) {
	srv, svc := setupServer(t, "")
	svc.setErr = errors.New("disk gone")
	w := doJSON(t, srv.Router, http.MethodGet, "/api/settings", "", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", w.Code)
	}
}

func TestPostControl(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantAck  string
	}{
		{"timeframe accepted", `{"type":"timeframe","timeframe":"1h"}`, http.StatusOK, engine.AckOK},
		{"timeframe unsupported", `{"type":"timeframe","timeframe":"1d"}`, http.StatusBadRequest, engine.AckError},
		{"stop", `{"type":"stop"}`, http.StatusOK, engine.AckOK},
		{"unknown type", `{"type":"explode"}`, http.StatusBadRequest, engine.AckError},
		{"malformed", `{"type":`, http.StatusBadRequest, engine.AckError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupServer(t, "")
			w := doJSON(t, srv.Router, http.MethodPost, "/api/control", tt.body, "")
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			var ack engine.Ack
			if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			if ack.Ack != tt.wantAck {
				t.Fatalf("ack = %q, want %q", ack.Ack, tt.wantAck)
			}
			if ack.Ack == engine.AckError && ack.Reason == "" {
				t.Fatal("error ack without reason")
			}
		})
	}
}

func TestControlRequiresToken(t *testing.T) {
	const secret = "test-secret"
	srv, svc := setupServer(t, secret)

	token, err := GenerateToken(secret, "operator", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	forged, err := GenerateToken("other-secret", "operator", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	expired, err := GenerateToken(secret, "operator", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", forged, http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"valid", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv.Router, http.MethodPost, "/api/control", `{"type":"start"}`, tt.token)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
	if got := len(svc.appliedCommands()); got != 1 {
		t.Fatalf("applied %d commands, want 1", got)
	}

	// Read endpoints stay open.
	if w := doJSON(t, srv.Router, http.MethodGet, "/api/status", "", ""); w.Code != http.StatusOK {
		t.Fatalf("status code = %d", w.Code)
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	if _, err := GenerateToken("", "operator", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	srv, _ := setupServer(t, "")
	doJSON(t, srv.Router, http.MethodGet, "/api/status", "", "")
	w := doJSON(t, srv.Router, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/api/status"`) {
		t.Fatalf("request metric missing:\n%s", w.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(0, 2, zap.NewNop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	var codes []int
	for range 3 {
		codes = append(codes, doJSON(t, r, http.MethodGet, "/", "", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

// wsFrame captures either a pushed snapshot or an ack.
type wsFrame struct {
	Type   string          `json:"type"`
	Ack    string          `json:"ack"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, code)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func statusTimeframe(t *testing.T, f wsFrame) string {
	t.Helper()
	var st engine.Status
	if err := json.Unmarshal(f.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st.Timeframe
}

func TestWebsocketSnapshotAndControl(t *testing.T) {
	srv, _ := setupServer(t, "")
	conn := dialWS(t, srv, "")

	first := readFrame(t, conn)
	if first.Type != "status" || statusTimeframe(t, first) != "5m" {
		t.Fatalf("first frame = %+v", first)
	}

	// The fake publishes before Apply returns; the ack must still lead.
	for _, tf := range []string{"15m", "1m", "1h"} {
		if err := conn.WriteJSON(engine.Command{Type: engine.CmdTimeframe, Timeframe: tf}); err != nil {
			t.Fatalf("write: %v", err)
		}
		ack := readFrame(t, conn)
		if ack.Ack != engine.AckOK {
			t.Fatalf("%s: first frame after command = %+v, want ack", tf, ack)
		}
		st := readFrame(t, conn)
		if st.Type != "status" || statusTimeframe(t, st) != tf {
			t.Fatalf("%s: frame after ack = %+v, want status", tf, st)
		}
	}

	t.Run("malformed", func(t *testing.T) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write: %v", err)
		}
		f := readFrame(t, conn)
		if f.Ack != engine.AckError || f.Reason == "" {
			t.Fatalf("frame = %+v", f)
		}
	})

	t.Run("unsupported timeframe", func(t *testing.T) {
		if err := conn.WriteJSON(engine.Command{Type: engine.CmdTimeframe, Timeframe: "1d"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		f := readFrame(t, conn)
		if f.Ack != engine.AckError {
			t.Fatalf("frame = %+v", f)
		}
	})

	t.Run("status request", func(t *testing.T) {
		if err := conn.WriteJSON(engine.Command{Type: engine.CmdStatus}); err != nil {
			t.Fatalf("write: %v", err)
		}
		f := readFrame(t, conn)
		if f.Type != "status" || statusTimeframe(t, f) != "1h" {
			t.Fatalf("frame = %+v", f)
		}
	})
}

func TestWebsocketBroadcastReachesAllClients(t *testing.T) {
	srv, svc := setupServer(t, "")
	a := dialWS(t, srv, "")
	b := dialWS(t, srv, "")
	readFrame(t, a)
	readFrame(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Bus.Subscribers(events.EventStatus) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	svc.Apply(context.Background(), engine.Command{Type: engine.CmdStop})
	for _, conn := range []*websocket.Conn{a, b} {
		f := readFrame(t, conn)
		var st engine.Status
		if err := json.Unmarshal(f.Data, &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if st.TradingEnabled {
			t.Fatal("expected trading disabled in broadcast")
		}
	}
}

func TestWebsocketAuth(t *testing.T) {
	const secret = "ws-secret"
	srv, _ := setupServer(t, secret)
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}

	token, err := GenerateToken(secret, "dashboard", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	conn := dialWS(t, srv, "?token="+token)
	if f := readFrame(t, conn); f.Type != "status" {
		t.Fatalf("first frame = %+v", f)
	}
}
