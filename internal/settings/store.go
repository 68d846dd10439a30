package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"resonance-trader/pkg/db"
	"resonance-trader/pkg/logging"
)

// Keys managed by the trader.
const (
	KeyTimeframe      = "trading_timeframe"
	KeyTradingEnabled = "trading_enabled"
)

// FallbackTimeframe is used when no other source yields a supported timeframe.
const FallbackTimeframe = "1m"

// Backend is the durable side of the store. *db.Database satisfies it.
type Backend interface {
	GetSetting(ctx context.Context, key string) (*db.Setting, error)
	UpsertSetting(ctx context.Context, key, value string, at time.Time) error
	SetSettingLabel(ctx context.Context, key, label string, at time.Time) error
	ListSettings(ctx context.Context) ([]db.Setting, error)
}

// Setting is a key/value pair with its last write time.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a durable key/value store. Writes are serialized; reads may run concurrently.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	writeMu sync.Mutex
}

// NewStore wraps backend. A nil logger is replaced with a no-op logger.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logging.OrNop(logger).Named("settings"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the value for key. ok is false when the key was never written.
func (s *Store) Get(ctx context.Context, key string) (Setting, bool, error) {
	if s.backend == nil {
		return Setting{}, false, errors.New("settings backend is not configured")
	}
	row, err := s.backend.GetSetting(ctx, key)
	if err != nil {
		return Setting{}, false, err
	}
	if row == nil {
		return Setting{}, false, nil
	}
	return fromRow(*row), true, nil
}

// Set writes value for key, always refreshing updated_at. The write is durable
// when Set returns nil.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("setting key is empty")
	}
	if s.backend == nil {
		return errors.New("settings backend is not configured")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.UpsertSetting(ctx, key, value, s.now()); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	s.logger.Debug("setting updated", zap.String("key", key), zap.String("value", value))
	return nil
}

// SetLabel attaches a display label to an existing key.
func (s *Store) SetLabel(ctx context.Context, key, label string) error {
	if s.backend == nil {
		return errors.New("settings backend is not configured")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.backend.SetSettingLabel(ctx, key, label, s.now())
}

// List returns all persisted settings.
func (s *Store) List(ctx context.Context) ([]Setting, error) {
	if s.backend == nil {
		return nil, errors.New("settings backend is not configured")
	}
	rows, err := s.backend.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Setting, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Bool reads key as a boolean, returning def when absent, unreadable or malformed.
func (s *Store) Bool(ctx context.Context, key string, def bool) bool {
	st, ok, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn("read setting failed", zap.String("key", key), zap.Error(err))
		return def
	}
	if !ok {
		return def
	}
	switch st.Value {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

func fromRow(r db.Setting) Setting {
	return Setting{Key: r.Key, Value: r.Value, Label: r.Label, UpdatedAt: r.UpdatedAt}
}
