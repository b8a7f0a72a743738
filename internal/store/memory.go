package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.Mutex
	portfolios map[string]model.Portfolio
	holdings   map[string]map[string]model.Holding // portfolioID → ticker → holding
	trades     []model.Trade
	snapshots  map[string]map[string]model.PriceSnapshot // ticker → dateKey → snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios: make(map[string]model.Portfolio),
		holdings:   make(map[string]map[string]model.Holding),
		snapshots:  make(map[string]map[string]model.PriceSnapshot),
	}
}

func dateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.ID]; ok {
		return fmt.Errorf("portfolio %s already exists", p.ID)
	}
	s.portfolios[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPublicPortfolios(_ context.Context) ([]model.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Portfolio
	for _, p := range s.portfolios {
		if p.Visibility == model.VisibilityPublic {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetHoldings(_ context.Context, portfolioID string) ([]model.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Holding
	for _, h := range s.holdings[portfolioID] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, portfolioID string, limit, offset int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Trade
	for _, t := range s.trades {
		if t.PortfolioID == portfolioID {
			all = append(all, t)
		}
	}
	// Newest first; the trade log is append-only so reverse insertion order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDate, ok := s.snapshots[snap.Ticker]
	if !ok {
		byDate = make(map[string]model.PriceSnapshot)
		s.snapshots[snap.Ticker] = byDate
	}
	byDate[dateKey(snap.Date)] = *snap
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, ticker string) (*model.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byDate := s.snapshots[ticker]
	if len(byDate) == 0 {
		return nil, ErrNotFound
	}
	var latestKey string
	for k := range byDate {
		if k > latestKey {
			latestKey = k
		}
	}
	snap := byDate[latestKey]
	return &snap, nil
}

func (s *MemoryStore) SnapshotsOn(_ context.Context, tickers []string, date time.Time) (map[string]model.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dateKey(date)
	out := make(map[string]model.PriceSnapshot)
	for _, ticker := range tickers {
		if snap, ok := s.snapshots[ticker][key]; ok {
			out[ticker] = snap
		}
	}
	return out, nil
}

func (s *MemoryStore) SnapshotDates(_ context.Context, tickers []string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, ticker := range tickers {
		for k := range s.snapshots[ticker] {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dates := make([]time.Time, 0, len(keys))
	for _, k := range keys {
		d, err := time.Parse("2006-01-02", k)
		if err != nil {
			continue
		}
		dates = append(dates, d.UTC())
	}
	return dates, nil
}

// ExecuteTx serializes on the store mutex and stages all mutations against
// copies; an error from fn discards the staging so no partial effect is
// observable, matching the Postgres transaction semantics.
func (s *MemoryStore) ExecuteTx(_ context.Context, portfolioID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portfolios[portfolioID]
	if !ok {
		return ErrNotFound
	}

	staged := &memTx{portfolio: p, holdings: make(map[string]*model.Holding)}
	for ticker, h := range s.holdings[portfolioID] {
		hc := h
		staged.holdings[ticker] = &hc
	}

	if err := fn(staged); err != nil {
		return err
	}

	// Commit staging.
	s.portfolios[portfolioID] = staged.portfolio
	committed := make(map[string]model.Holding, len(staged.holdings))
	for ticker, h := range staged.holdings {
		committed[ticker] = *h
	}
	s.holdings[portfolioID] = committed
	s.trades = append(s.trades, staged.trades...)
	return nil
}

type memTx struct {
	portfolio model.Portfolio
	holdings  map[string]*model.Holding
	trades    []model.Trade
}

func (t *memTx) Portfolio() *model.Portfolio { return &t.portfolio }

func (t *memTx) Holding(_ context.Context, ticker string) (*model.Holding, error) {
	h, ok := t.holdings[ticker]
	if !ok {
		return nil, nil
	}
	hc := *h
	return &hc, nil
}

func (t *memTx) SaveHolding(_ context.Context, h *model.Holding) error {
	hc := *h
	t.holdings[h.Ticker] = &hc
	return nil
}

func (t *memTx) DeleteHolding(_ context.Context, ticker string) error {
	delete(t.holdings, ticker)
	return nil
}

func (t *memTx) SetCash(_ context.Context, cash decimal.Decimal) error {
	t.portfolio.Cash = cash
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}
