package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/model"
)

func seedPortfolio(t *testing.T, s *MemoryStore, cash int64) *model.Portfolio {
	t.Helper()
	p := &model.Portfolio{
		ID:         "p1",
		Owner:      "tester",
		Name:       "Test",
		Visibility: model.VisibilityPublic,
		Cash:       decimal.NewFromInt(cash),
	}
	if err := s.CreatePortfolio(context.Background(), p); err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestExecuteTxCommits(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, 1000)
	ctx := context.Background()

	err := s.ExecuteTx(ctx, "p1", func(tx Tx) error {
		if err := tx.SetCash(ctx, decimal.NewFromInt(400)); err != nil {
			return err
		}
		if err := tx.SaveHolding(ctx, &model.Holding{
			PortfolioID: "p1", Ticker: "AAPL",
			Quantity: decimal.NewFromInt(6), AvgCost: decimal.NewFromInt(100),
		}); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, &model.Trade{ID: "t1", PortfolioID: "p1", Type: model.TradeBuy})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	p, _ := s.GetPortfolio(ctx, "p1")
	if !p.Cash.Equal(decimal.NewFromInt(400)) {
		t.Errorf("cash = %s, want 400", p.Cash)
	}
	holdings, _ := s.GetHoldings(ctx, "p1")
	if len(holdings) != 1 || holdings[0].Ticker != "AAPL" {
		t.Errorf("holdings = %+v, want AAPL", holdings)
	}
	trades, _ := s.ListTrades(ctx, "p1", 10, 0)
	if len(trades) != 1 {
		t.Errorf("trades = %d, want 1", len(trades))
	}
}

func TestExecuteTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, 1000)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.ExecuteTx(ctx, "p1", func(tx Tx) error {
		tx.SetCash(ctx, decimal.Zero)
		tx.SaveHolding(ctx, &model.Holding{PortfolioID: "p1", Ticker: "AAPL", Quantity: decimal.NewFromInt(1)})
		tx.InsertTrade(ctx, &model.Trade{ID: "t1", PortfolioID: "p1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	p, _ := s.GetPortfolio(ctx, "p1")
	if !p.Cash.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cash = %s, want 1000 (rolled back)", p.Cash)
	}
	holdings, _ := s.GetHoldings(ctx, "p1")
	if len(holdings) != 0 {
		t.Errorf("holdings = %d, want 0 (rolled back)", len(holdings))
	}
	trades, _ := s.ListTrades(ctx, "p1", 10, 0)
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0 (rolled back)", len(trades))
	}
}

func TestExecuteTxUnknownPortfolio(t *testing.T) {
	s := NewMemoryStore()

	err := s.ExecuteTx(context.Background(), "nope", func(Tx) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTxHoldingReturnsNilWhenAbsent(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, 0)
	ctx := context.Background()

	err := s.ExecuteTx(ctx, "p1", func(tx Tx) error {
		h, err := tx.Holding(ctx, "AAPL")
		if err != nil {
			return err
		}
		if h != nil {
			t.Errorf("holding = %+v, want nil", h)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestListTradesNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, 0)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		err := s.ExecuteTx(ctx, "p1", func(tx Tx) error {
			return tx.InsertTrade(ctx, &model.Trade{ID: id, PortfolioID: "p1"})
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	trades, err := s.ListTrades(ctx, "p1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trades) != 2 || trades[0].ID != "t3" || trades[1].ID != "t2" {
		t.Errorf("page 1 = %+v, want t3,t2", trades)
	}

	trades, _ = s.ListTrades(ctx, "p1", 2, 2)
	if len(trades) != 1 || trades[0].ID != "t1" {
		t.Errorf("page 2 = %+v, want t1", trades)
	}
}

func TestSnapshotQueries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d1 := time.Date(2026, 2, 25, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC)
	for _, snap := range []model.PriceSnapshot{
		{Ticker: "AAPL", Date: d1, Close: decimal.NewFromInt(100)},
		{Ticker: "AAPL", Date: d2, Close: decimal.NewFromInt(101)},
		{Ticker: "MSFT", Date: d2, Close: decimal.NewFromInt(400)},
	} {
		sc := snap
		if err := s.UpsertSnapshot(ctx, &sc); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, "AAPL")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Close.Equal(decimal.NewFromInt(101)) {
		t.Errorf("latest close = %s, want 101", latest.Close)
	}

	if _, err := s.LatestSnapshot(ctx, "ZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown ticker err = %v, want ErrNotFound", err)
	}

	on, err := s.SnapshotsOn(ctx, []string{"AAPL", "MSFT"}, d2)
	if err != nil {
		t.Fatalf("snapshots on: %v", err)
	}
	if len(on) != 2 {
		t.Errorf("snapshots on d2 = %d, want 2", len(on))
	}

	dates, err := s.SnapshotDates(ctx, []string{"AAPL", "MSFT"})
	if err != nil {
		t.Fatalf("dates: %v", err)
	}
	if len(dates) != 2 || !dates[0].Equal(d1) || !dates[1].Equal(d2) {
		t.Errorf("dates = %v, want [d1 d2] ascending", dates)
	}

	// Upsert overwrites in place.
	if err := s.UpsertSnapshot(ctx, &model.PriceSnapshot{Ticker: "AAPL", Date: d2, Close: decimal.NewFromInt(105)}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	latest, _ = s.LatestSnapshot(ctx, "AAPL")
	if !latest.Close.Equal(decimal.NewFromInt(105)) {
		t.Errorf("overwritten close = %s, want 105", latest.Close)
	}
}
