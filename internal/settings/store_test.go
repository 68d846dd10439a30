package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"resonance-trader/pkg/db"
)

func newTestStore(t *testing.T) (*Store, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return NewStore(database, zap.NewNop()), database
}

type failingBackend struct {
	Backend
}

func (failingBackend) UpsertSetting(context.Context, string, string, time.Time) error {
	return errors.New("disk I/O error")
}

func TestSetRefreshesTimestamp(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }
	if err := store.Set(ctx, KeyTimeframe, "5m"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	t1 := t0.Add(time.Hour)
	store.now = func() time.Time { return t1 }
	if err := store.Set(ctx, KeyTimeframe, "5m"); err != nil {
		t.Fatalf("Set same value: %v", err)
	}

	got, ok, err := store.Get(ctx, KeyTimeframe)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Value != "5m" || !got.UpdatedAt.Equal(t1) {
		t.Errorf("got %+v, want value 5m at %v", got, t1)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected absent key")
	}
}

func TestSetFailureIsReturned(t *testing.T) {
	_, database := newTestStore(t)
	store := NewStore(failingBackend{Backend: database}, zap.NewNop())

	err := store.Set(context.Background(), KeyTimeframe, "1h")
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
	if _, ok, _ := store.Get(context.Background(), KeyTimeframe); ok {
		t.Error("value must not be persisted after a failed write")
	}
}

func TestConcurrentSetAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	values := []string{"1m", "5m", "15m", "1h"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := store.Set(ctx, KeyTimeframe, values[i%len(values)]); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, _, err := store.Get(ctx, KeyTimeframe); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	got, ok, err := store.Get(ctx, KeyTimeframe)
	if err != nil || !ok {
		t.Fatalf("final Get: ok=%v err=%v", ok, err)
	}
	found := false
	for _, v := range values {
		if got.Value == v {
			found = true
		}
	}
	if !found {
		t.Errorf("final value %q is not one of the written values", got.Value)
	}
}

func TestBool(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if !store.Bool(ctx, KeyTradingEnabled, true) {
		t.Error("absent key should return default")
	}
	if err := store.Set(ctx, KeyTradingEnabled, "false"); err != nil {
		t.Fatal(err)
	}
	if store.Bool(ctx, KeyTradingEnabled, true) {
		t.Error("expected false after persisting false")
	}
	if err := store.Set(ctx, KeyTradingEnabled, "garbage"); err != nil {
		t.Fatal(err)
	}
	if store.Bool(ctx, KeyTradingEnabled, false) {
		t.Error("malformed value should return default")
	}
}

func TestResolveTimeframe(t *testing.T) {
	available := []string{"1m", "5m", "15m", "1h"}

	tests := []struct {
		name      string
		persisted string
		env       string
		strategy  string
		want      string
		source    Source
	}{
		{"persisted wins", "15m", "5m", "1h", "15m", SourcePersisted},
		{"env when nothing persisted", "", "5m", "1h", "5m", SourceEnv},
		{"strategy default", "", "", "1h", "1h", SourceStrategy},
		{"hard fallback", "", "", "", "1m", SourceFallback},
		{"unsupported persisted skipped", "1d", "5m", "", "5m", SourceEnv},
		{"unsupported everywhere", "1d", "3d", "1w", "1m", SourceFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			ctx := context.Background()
			if tt.persisted != "" {
				if err := store.Set(ctx, KeyTimeframe, tt.persisted); err != nil {
					t.Fatal(err)
				}
			}
			got, src := store.ResolveTimeframe(ctx, tt.env, tt.strategy, available)
			if got != tt.want || src != tt.source {
				t.Errorf("got (%s, %s), want (%s, %s)", got, src, tt.want, tt.source)
			}
		})
	}
}

func TestResolveTimeframeWarnsOnUnsupportedPersisted(t *testing.T) {
	_, database := newTestStore(t)
	core, logs := observer.New(zapcore.WarnLevel)
	store := NewStore(database, zap.New(core))
	ctx := context.Background()

	if err := store.Set(ctx, KeyTimeframe, "1d"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.ResolveTimeframe(ctx, "", "", []string{"1m", "5m"})
	if got != FallbackTimeframe {
		t.Errorf("got %s, want fallback", got)
	}
	if logs.FilterMessage("timeframe not supported by exchange, skipping").Len() != 1 {
		t.Errorf("expected one warning, got %d entries", logs.Len())
	}
}
