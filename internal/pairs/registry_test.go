package pairs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"resonance-trader/pkg/db"
)

func newDBRegistry(t *testing.T) (*Registry, *db.Database) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRegistry(database, zap.NewNop()), database
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{" btcusdt ", "BTCUSDT", false},
		{"BTC-USDT", "", true},
		{"eth2usdt", "ETH2USDT", false},
		{"BTC", "", true},
		{"BTC/USDT", "", true},
		{"", "", true},
		{"ABCDEFGHIJKLMNOPQRSTU", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidSymbol) {
					t.Fatalf("err=%v, want ErrInvalidSymbol", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("Normalize(%q)=%q,%v want %q", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestExactlyOneActive(t *testing.T) {
	ctx := context.Background()
	reg, database := newDBRegistry(t)

	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if _, err := reg.Add(ctx, s); err != nil {
			t.Fatalf("Add %s: %v", s, err)
		}
	}
	if _, ok := reg.Active(); ok {
		t.Fatal("added pairs must start inactive")
	}
	if err := reg.Activate(ctx, "btcusdt"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(ctx, "ETHUSDT"); err != nil {
		t.Fatal(err)
	}

	active := 0
	for _, p := range reg.List() {
		if p.Active {
			active++
			if p.Symbol != "ETHUSDT" {
				t.Errorf("active=%s, want ETHUSDT", p.Symbol)
			}
		}
	}
	if active != 1 {
		t.Fatalf("%d active pairs", active)
	}

	rows, err := database.ListPairs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Active != (r.Symbol == "ETHUSDT") {
			t.Errorf("persisted %s active=%v", r.Symbol, r.Active)
		}
	}
}

func TestDeactivateAndRemove(t *testing.T) {
	ctx := context.Background()
	reg, _ := newDBRegistry(t)
	if err := reg.SeedIfEmpty(ctx, []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatal(err)
	}
	if s, ok := reg.Active(); !ok || s != "BTCUSDT" {
		t.Fatalf("seed active=%q,%v", s, ok)
	}

	if err := reg.Deactivate(ctx, "ETHUSDT"); err != nil {
		t.Fatalf("deactivate inactive: %v", err)
	}
	if err := reg.Deactivate(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Active(); ok {
		t.Fatal("no pair should be active")
	}

	if err := reg.Activate(ctx, "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(ctx, "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Active(); ok {
		t.Fatal("removing active pair must leave none active")
	}
	if n := len(reg.List()); n != 1 {
		t.Fatalf("List len=%d, want 1", n)
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	reg, _ := newDBRegistry(t)
	if _, err := reg.Add(ctx, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"duplicate", func() error { _, err := reg.Add(ctx, "btcusdt"); return err }, ErrDuplicatePair},
		{"activate unknown", func() error { return reg.Activate(ctx, "ETHUSDT") }, ErrUnknownPair},
		{"deactivate unknown", func() error { return reg.Deactivate(ctx, "ETHUSDT") }, ErrUnknownPair},
		{"remove unknown", func() error { return reg.Remove(ctx, "ETHUSDT") }, ErrUnknownPair},
		{"invalid", func() error { _, err := reg.Add(ctx, "x"); return err }, ErrInvalidSymbol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
	if n := len(reg.List()); n != 1 {
		t.Fatalf("failed operations mutated the set: %d pairs", n)
	}
}

func TestLoadAndSeedOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	reg, database := newDBRegistry(t)
	if err := reg.SeedIfEmpty(ctx, []string{"ETHUSDT"}); err != nil {
		t.Fatal(err)
	}

	again := NewRegistry(database, nil)
	if err := again.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := again.SeedIfEmpty(ctx, []string{"BTCUSDT"}); err != nil {
		t.Fatal(err)
	}
	list := again.List()
	if len(list) != 1 || list[0].Symbol != "ETHUSDT" || !list[0].Active {
		t.Fatalf("reloaded=%+v", list)
	}
}

type brokenBackend struct{}

func (brokenBackend) ListPairs(context.Context) ([]db.Pair, error) { return nil, nil }
func (brokenBackend) InsertPair(context.Context, string, time.Time) error {
	return errors.New("readonly")
}
func (brokenBackend) ActivatePair(context.Context, string, time.Time) error {
	return errors.New("readonly")
}
func (brokenBackend) SetPairActive(context.Context, string, bool, time.Time) error {
	return errors.New("readonly")
}
func (brokenBackend) DeletePair(context.Context, string) error { return errors.New("readonly") }

func TestPersistenceFailureKeepsMemory(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	reg := NewRegistry(brokenBackend{}, zap.New(core))
	ctx := context.Background()

	if _, err := reg.Add(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.Activate(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if s, ok := reg.Active(); !ok || s != "BTCUSDT" {
		t.Fatalf("active=%q,%v", s, ok)
	}
	if n := logs.FilterMessage("persist pair change failed, keeping in-memory state").Len(); n != 2 {
		t.Fatalf("warnings=%d, want 2", n)
	}
}
