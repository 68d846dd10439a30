// Package pairs keeps the set of tradable symbols, at most one of them active.
package pairs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"resonance-trader/pkg/db"
)

var (
	ErrUnknownPair   = errors.New("pairs: unknown pair")
	ErrDuplicatePair = errors.New("pairs: pair already exists")
	ErrInvalidSymbol = errors.New("pairs: invalid symbol")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// Normalize upper-cases and trims symbol and checks its shape.
func Normalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Pair is one tradable symbol.
type Pair struct {
	Symbol    string    `json:"symbol"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend persists pairs. *db.Database satisfies it.
type Backend interface {
	ListPairs(ctx context.Context) ([]db.Pair, error)
	InsertPair(ctx context.Context, symbol string, at time.Time) error
	ActivatePair(ctx context.Context, symbol string, at time.Time) error
	SetPairActive(ctx context.Context, symbol string, active bool, at time.Time) error
	DeletePair(ctx context.Context, symbol string) error
}

// Registry is the in-memory view of the pair set, written through to Backend.
// A write-through failure is logged and the in-memory state kept.
type Registry struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	pairs map[string]*Pair
}

// NewRegistry returns an empty registry; call Load to read persisted pairs.
func NewRegistry(backend Backend, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		backend: backend,
		logger:  logger.Named("pairs"),
		now:     func() time.Time { return time.Now().UTC() },
		pairs:   make(map[string]*Pair),
	}
}

// Load replaces the in-memory set with the persisted one. If several rows are
// marked active only the first (by symbol) stays active.
func (r *Registry) Load(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	rows, err := r.backend.ListPairs(ctx)
	if err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = make(map[string]*Pair, len(rows))
	seenActive := false
	for _, row := range rows {
		p := &Pair{Symbol: row.Symbol, Active: row.Active && !seenActive, UpdatedAt: row.UpdatedAt}
		if row.Active && seenActive {
			r.logger.Warn("extra active pair demoted", zap.String("symbol", row.Symbol))
		}
		seenActive = seenActive || p.Active
		r.pairs[p.Symbol] = p
	}
	return nil
}

// SeedIfEmpty adds symbols when no pair exists yet and activates the first.
func (r *Registry) SeedIfEmpty(ctx context.Context, symbols []string) error {
	r.mu.RLock()
	empty := len(r.pairs) == 0
	r.mu.RUnlock()
	if !empty {
		return nil
	}
	first := ""
	for _, s := range symbols {
		p, err := r.Add(ctx, s)
		if errors.Is(err, ErrDuplicatePair) {
			continue
		}
		if err != nil {
			return err
		}
		if first == "" {
			first = p.Symbol
		}
	}
	if first == "" {
		return nil
	}
	r.logger.Info("seeded trading pairs", zap.Strings("symbols", symbols), zap.String("active", first))
	return r.Activate(ctx, first)
}

// Add registers an inactive pair.
func (r *Registry) Add(ctx context.Context, symbol string) (Pair, error) {
	s, err := Normalize(symbol)
	if err != nil {
		return Pair{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[s]; ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrDuplicatePair, s)
	}
	p := &Pair{Symbol: s, UpdatedAt: r.now()}
	r.pairs[s] = p
	if r.backend != nil {
		r.warn(r.backend.InsertPair(ctx, s, p.UpdatedAt), "add", s)
	}
	return *p, nil
}

// Activate makes symbol the only active pair.
func (r *Registry) Activate(ctx context.Context, symbol string) error {
	s, err := Normalize(symbol)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.pairs[s]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, s)
	}
	now := r.now()
	for _, p := range r.pairs {
		if p.Active && p != target {
			p.Active = false
			p.UpdatedAt = now
		}
	}
	target.Active = true
	target.UpdatedAt = now
	if r.backend != nil {
		r.warn(r.backend.ActivatePair(ctx, s, now), "activate", s)
	}
	return nil
}

// Deactivate clears the active flag; deactivating an inactive pair is a no-op.
func (r *Registry) Deactivate(ctx context.Context, symbol string) error {
	s, err := Normalize(symbol)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[s]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, s)
	}
	if !p.Active {
		return nil
	}
	p.Active = false
	p.UpdatedAt = r.now()
	if r.backend != nil {
		r.warn(r.backend.SetPairActive(ctx, s, false, p.UpdatedAt), "deactivate", s)
	}
	return nil
}

// Remove deletes a pair. Removing the active pair leaves none active.
func (r *Registry) Remove(ctx context.Context, symbol string) error {
	s, err := Normalize(symbol)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[s]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, s)
	}
	delete(r.pairs, s)
	if r.backend != nil {
		r.warn(r.backend.DeletePair(ctx, s), "remove", s)
	}
	return nil
}

// Active returns the active symbol, if any.
func (r *Registry) Active() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pairs {
		if p.Active {
			return p.Symbol, true
		}
	}
	return "", false
}

// List returns all pairs sorted by symbol.
func (r *Registry) List() []Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Registry) warn(err error, op, symbol string) {
	if err == nil {
		return
	}
	r.logger.Warn("persist pair change failed, keeping in-memory state",
		zap.String("op", op), zap.String("symbol", symbol), zap.Error(err))
}
