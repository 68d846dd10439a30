package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSettingsUpsert(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got, err := database.GetSetting(ctx, "timeframe")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}

	if err := database.UpsertSetting(ctx, "timeframe", "5m", now); err != nil {
		t.Fatalf("UpsertSetting: %v", err)
	}
	if err := database.UpsertSetting(ctx, "timeframe", "15m", now.Add(time.Minute)); err != nil {
		t.Fatalf("UpsertSetting overwrite: %v", err)
	}

	got, err = database.GetSetting(ctx, "timeframe")
	if err != nil || got == nil {
		t.Fatalf("GetSetting after upsert: %v %v", got, err)
	}
	if got.Value != "15m" {
		t.Errorf("value=%q, want 15m", got.Value)
	}
	if !got.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("updated_at=%v, want %v", got.UpdatedAt, now.Add(time.Minute))
	}

	if err := database.SetSettingLabel(ctx, "timeframe", "Chart timeframe", now); err != nil {
		t.Fatalf("SetSettingLabel: %v", err)
	}
	if err := database.SetSettingLabel(ctx, "missing", "x", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetSettingLabel missing: got %v, want ErrNotFound", err)
	}

	all, err := database.ListSettings(ctx)
	if err != nil {
		t.Fatalf("ListSettings: %v", err)
	}
	if len(all) != 1 || all[0].Label != "Chart timeframe" {
		t.Errorf("ListSettings=%+v", all)
	}
}

func TestPairsActivateIsExclusive(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if err := database.InsertPair(ctx, s, now); err != nil {
			t.Fatalf("InsertPair %s: %v", s, err)
		}
	}
	if err := database.InsertPair(ctx, "BTCUSDT", now); err == nil {
		t.Fatal("expected duplicate insert to fail")
	}

	if err := database.ActivatePair(ctx, "BTCUSDT", now); err != nil {
		t.Fatalf("ActivatePair: %v", err)
	}
	if err := database.ActivatePair(ctx, "ETHUSDT", now); err != nil {
		t.Fatalf("ActivatePair: %v", err)
	}
	if err := database.ActivatePair(ctx, "DOGEUSDT", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActivatePair unknown: got %v, want ErrNotFound", err)
	}

	pairs, err := database.ListPairs(ctx)
	if err != nil {
		t.Fatalf("ListPairs: %v", err)
	}
	active := 0
	for _, p := range pairs {
		if p.Active {
			active++
			if p.Symbol != "ETHUSDT" {
				t.Errorf("active=%s, want ETHUSDT", p.Symbol)
			}
		}
	}
	if active != 1 {
		t.Errorf("active count=%d, want 1", active)
	}

	if err := database.DeletePair(ctx, "SOLUSDT"); err != nil {
		t.Fatalf("DeletePair: %v", err)
	}
	if err := database.DeletePair(ctx, "SOLUSDT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePair twice: got %v", err)
	}
}

func TestOrdersAndFills(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	o := Order{
		ID: "o-1", Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Qty: 0.01,
		State: "submitted", Source: "resonance", CreatedAt: created, UpdatedAt: created,
	}
	if err := database.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}
	o.State = "filled"
	o.FilledQty = 0.01
	o.AvgPrice = 42000
	o.Fee = 0.42
	o.ExchangeOrderID = "123"
	o.UpdatedAt = created.Add(time.Second)
	if err := database.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder update: %v", err)
	}

	second := Order{ID: "o-2", Symbol: "ETHUSDT", Side: "SELL", Type: "MARKET", Qty: 1,
		State: "open", CreatedAt: created.Add(time.Minute), UpdatedAt: created.Add(time.Minute)}
	if err := database.UpsertOrder(ctx, second); err != nil {
		t.Fatalf("UpsertOrder second: %v", err)
	}

	recent, err := database.ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "o-2" {
		t.Fatalf("ListOrders order=%+v", recent)
	}
	if recent[1].State != "filled" || recent[1].AvgPrice != 42000 || recent[1].ExchangeOrderID != "123" {
		t.Errorf("updated order=%+v", recent[1])
	}

	open, err := database.ListOrdersByState(ctx, "open", "partially_filled")
	if err != nil {
		t.Fatalf("ListOrdersByState: %v", err)
	}
	if len(open) != 1 || open[0].ID != "o-2" {
		t.Errorf("ListOrdersByState=%+v", open)
	}

	if err := database.CreateFill(ctx, Fill{ID: "f-1", OrderID: "o-1", Symbol: "BTCUSDT", Side: "BUY",
		Price: 42000, Qty: 0.01, Fee: 0.42, CreatedAt: created}); err != nil {
		t.Fatalf("CreateFill: %v", err)
	}
	fills, err := database.ListFills(ctx, "o-1")
	if err != nil {
		t.Fatalf("ListFills: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != 0.01 {
		t.Errorf("ListFills=%+v", fills)
	}

	if err := database.CreateFill(ctx, Fill{ID: "f-0", OrderID: "o-2", Symbol: "ETHUSDT", Side: "BUY",
		Price: 3000, Qty: 1, CreatedAt: created.Add(-time.Minute)}); err != nil {
		t.Fatalf("CreateFill: %v", err)
	}
	all, err := database.ListAllFills(ctx)
	if err != nil {
		t.Fatalf("ListAllFills: %v", err)
	}
	if len(all) != 2 || all[0].ID != "f-0" || all[1].ID != "f-1" {
		t.Errorf("ListAllFills=%+v", all)
	}
}

func TestDailyResultAggregates(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	for _, pnl := range []float64{10, -4, -6, 0} {
		if err := database.AddDailyResult(ctx, "2024-05-01", pnl); err != nil {
			t.Fatalf("AddDailyResult: %v", err)
		}
	}
	r, err := database.GetDailyRisk(ctx, "2024-05-01")
	if err != nil || r == nil {
		t.Fatalf("GetDailyRisk: %v %v", r, err)
	}
	if r.Trades != 4 || r.Wins != 1 || r.RealizedPnL != 0 || r.Losses != 10 {
		t.Errorf("aggregate=%+v", r)
	}

	missing, err := database.GetDailyRisk(ctx, "2024-05-02")
	if err != nil || missing != nil {
		t.Errorf("missing day: %v %v", missing, err)
	}
}

func TestMigrationsAddColumnsToLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	database, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer database.Close()

	if _, err := database.DB.Exec(`CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at DATETIME)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	ok, err := columnExists(database.DB, "settings", "label")
	if err != nil || !ok {
		t.Fatalf("label column missing: %v", err)
	}
	// second run is a no-op
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations rerun: %v", err)
	}
}
