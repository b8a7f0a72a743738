// Package api provides the HTTP handlers for portfolios, trade execution,
// reporting, and ticker quotes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investshare/portfolio-engine/internal/cache"
	"github.com/investshare/portfolio-engine/internal/ledger"
	"github.com/investshare/portfolio-engine/internal/metrics"
	"github.com/investshare/portfolio-engine/internal/model"
	"github.com/investshare/portfolio-engine/internal/prices"
	"github.com/investshare/portfolio-engine/internal/store"
	"github.com/investshare/portfolio-engine/internal/symbol"
	"github.com/investshare/portfolio-engine/internal/valuation"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	tickerCacheTTL  = 5 * time.Minute
)

// Service handles the HTTP API. Trade execution is delegated to the ledger
// engine; reporting to the valuation service.
type Service struct {
	store     store.Store
	engine    *ledger.Engine
	valuation *valuation.Service
	resolver  *prices.Resolver
	cache     cache.Cache
	hub       *Hub // optional WebSocket hub for trade broadcasts
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, engine *ledger.Engine, val *valuation.Service, resolver *prices.Resolver, c cache.Cache, hub *Hub) *Service {
	return &Service{
		store:     st,
		engine:    engine,
		valuation: val,
		resolver:  resolver,
		cache:     c,
		hub:       hub,
	}
}

// Routes builds the /api/v1 router. Shared between main and the tests.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/portfolios", s.CreatePortfolio)
	r.Get("/portfolios", s.ListPortfolios)
	r.Get("/portfolios/{portfolioID}", s.GetPortfolio)
	r.Get("/portfolios/{portfolioID}/chart", s.Chart)
	r.Get("/portfolios/{portfolioID}/allocations", s.Allocations)
	r.Get("/portfolios/{portfolioID}/trades", s.ListTrades)
	r.Post("/portfolios/{portfolioID}/trades/buy", s.Buy)
	r.Post("/portfolios/{portfolioID}/trades/sell", s.Sell)
	r.Post("/portfolios/{portfolioID}/trades/cover", s.Cover)
	r.Post("/portfolios/{portfolioID}/trades/cash-in", s.CashIn)
	r.Post("/portfolios/{portfolioID}/trades/cash-out", s.CashOut)

	r.Get("/tickers/search", s.SearchTickers)
	r.Get("/tickers/{symbol}", s.TickerDetail)

	return r
}

// --- Request/Response types ---

// CreatePortfolioRequest is the JSON body for portfolio creation.
type CreatePortfolioRequest struct {
	Owner      string          `json:"owner"`
	Name       string          `json:"name"`
	Visibility string          `json:"visibility"`
	Cash       decimal.Decimal `json:"cash"`
}

// TradeRequest is the JSON body for the trade endpoints. Quantity is used
// by buy/sell/cover, Amount by cash-in/cash-out. Price must never be set:
// orders execute at the server-resolved market price only.
type TradeRequest struct {
	Ticker   string          `json:"ticker"`
	Quantity decimal.Decimal `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

// TradeResponse pairs the executed trade with the refreshed portfolio view.
type TradeResponse struct {
	Trade     *model.Trade     `json:"trade"`
	Portfolio *PortfolioDetail `json:"portfolio"`
}

// PortfolioDetail is the portfolio plus its live valuation.
type PortfolioDetail struct {
	model.Portfolio
	TotalValue   decimal.Decimal     `json:"total_value"`
	TodaysChange model.Change        `json:"todays_change"`
	Holdings     []model.HoldingView `json:"holdings"`
}

// PortfolioSummary is the public-list row.
type PortfolioSummary struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Name         string          `json:"name"`
	TotalValue   decimal.Decimal `json:"total_value"`
	TodaysChange model.Change    `json:"todays_change"`
}

// TickerDetailResponse is the quote payload for one symbol.
type TickerDetailResponse struct {
	Ticker    string           `json:"ticker"`
	Price     decimal.Decimal  `json:"price"`
	PrevClose *decimal.Decimal `json:"prev_close"`
	ChangeAbs *decimal.Decimal `json:"change_abs"`
	ChangePct *decimal.Decimal `json:"change_pct"`
}

// --- Error envelope ---

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError maps ledger sentinels onto client statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not_found", "portfolio not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidArgument):
		metrics.TradeRejections.WithLabelValues("invalid_argument").Inc()
		writeError(w, "invalid_argument", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrPriceUnavailable):
		metrics.TradeRejections.WithLabelValues("price_unavailable").Inc()
		writeError(w, "price_unavailable", "could not fetch market price", http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		metrics.TradeRejections.WithLabelValues("insufficient_funds").Inc()
		writeError(w, "insufficient_funds", "not enough cash", http.StatusConflict)
	case errors.Is(err, ledger.ErrNotShort):
		metrics.TradeRejections.WithLabelValues("not_short").Inc()
		writeError(w, "not_short", "no short position to cover", http.StatusConflict)
	default:
		writeError(w, "trade_failed", "trade failed", http.StatusInternalServerError)
	}
}

// --- Portfolio handlers ---

// CreatePortfolio handles POST /api/v1/portfolios
func (s *Service) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req CreatePortfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		writeError(w, "bad_request", "owner is required", http.StatusBadRequest)
		return
	}
	if req.Cash.IsNegative() {
		writeError(w, "bad_request", "opening cash must not be negative", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "My Portfolio"
	}
	if req.Visibility != model.VisibilityPrivate {
		req.Visibility = model.VisibilityPublic
	}

	now := time.Now().UTC()
	p := &model.Portfolio{
		ID:         uuid.New().String(),
		Owner:      req.Owner,
		Name:       req.Name,
		Visibility: req.Visibility,
		Cash:       req.Cash,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreatePortfolio(r.Context(), p); err != nil {
		writeError(w, "conflict", err.Error(), http.StatusConflict)
		return
	}

	slog.Info("portfolio created", "id", p.ID, "owner", p.Owner, "visibility", p.Visibility)
	writeJSON(w, http.StatusCreated, p)
}

// ListPortfolios handles GET /api/v1/portfolios — public portfolios with
// live totals.
func (s *Service) ListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := s.store.ListPublicPortfolios(r.Context())
	if err != nil {
		writeError(w, "server_error", "failed to list portfolios", http.StatusInternalServerError)
		return
	}

	out := make([]PortfolioSummary, 0, len(portfolios))
	for i := range portfolios {
		p := &portfolios[i]
		row := PortfolioSummary{ID: p.ID, Owner: p.Owner, Name: p.Name, TotalValue: p.Cash}
		if ov, err := s.valuation.Overview(r.Context(), p); err == nil {
			row.TotalValue = ov.Equity
			row.TodaysChange = ov.TodaysChange
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) detail(ctx context.Context, p *model.Portfolio) *PortfolioDetail {
	d := &PortfolioDetail{Portfolio: *p, TotalValue: p.Cash, Holdings: []model.HoldingView{}}
	ov, err := s.valuation.Overview(ctx, p)
	if err != nil {
		slog.Warn("portfolio valuation failed", "portfolio", p.ID, "err", err)
		return d
	}
	d.TotalValue = ov.Equity
	d.TodaysChange = ov.TodaysChange
	d.Holdings = ov.Holdings
	return d
}

// GetPortfolio handles GET /api/v1/portfolios/{portfolioID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, "not_found", "portfolio not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.detail(r.Context(), p))
}

// --- Trade handlers ---

func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, model.TradeBuy)
}

func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, model.TradeSell)
}

func (s *Service) Cover(w http.ResponseWriter, r *http.Request) {
	s.tradeAction(w, r, model.TradeShortCover)
}

func (s *Service) CashIn(w http.ResponseWriter, r *http.Request) {
	s.cashAction(w, r, model.TradeCashIn)
}

func (s *Service) CashOut(w http.ResponseWriter, r *http.Request) {
	s.cashAction(w, r, model.TradeCashOut)
}

func (s *Service) tradeAction(w http.ResponseWriter, r *http.Request, tradeType string) {
	portfolioID := chi.URLParam(r, "portfolioID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}

	// Price is server-resolved only; a caller-supplied price is never honored.
	if !req.Price.IsZero() {
		writeError(w, "price_not_allowed",
			"manual price is not allowed; orders execute at the current market price",
			http.StatusBadRequest)
		return
	}

	ticker, err := symbol.Clean(req.Ticker)
	if err != nil {
		writeError(w, "bad_ticker", "invalid ticker symbol", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "bad_quantity", "quantity must be greater than 0", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var trade *model.Trade
	switch tradeType {
	case model.TradeBuy:
		trade, err = s.engine.Buy(ctx, portfolioID, ticker, req.Quantity)
	case model.TradeSell:
		trade, err = s.engine.Sell(ctx, portfolioID, ticker, req.Quantity)
	case model.TradeShortCover:
		trade, err = s.engine.ShortCover(ctx, portfolioID, ticker, req.Quantity)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.finishTrade(w, r, trade)
}

func (s *Service) cashAction(w http.ResponseWriter, r *http.Request, tradeType string) {
	portfolioID := chi.URLParam(r, "portfolioID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "bad_amount", "amount must be greater than 0", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var trade *model.Trade
	var err error
	if tradeType == model.TradeCashIn {
		trade, err = s.engine.CashIn(ctx, portfolioID, req.Amount)
	} else {
		trade, err = s.engine.CashOut(ctx, portfolioID, req.Amount)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.finishTrade(w, r, trade)
}

func (s *Service) finishTrade(w http.ResponseWriter, r *http.Request, trade *model.Trade) {
	ctx := r.Context()

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"portfolio", trade.PortfolioID,
		"type", trade.Type,
		"ticker", trade.Ticker,
		"qty", trade.Quantity.String(),
		"price", trade.Price.String(),
		"cash_delta", trade.CashDelta.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:        "trade_executed",
			PortfolioID: trade.PortfolioID,
			TradeType:   trade.Type,
			Ticker:      trade.Ticker,
			Quantity:    trade.Quantity.String(),
			Price:       trade.Price.String(),
			CashDelta:   trade.CashDelta.String(),
		})
	}

	resp := TradeResponse{Trade: trade}
	if p, err := s.store.GetPortfolio(ctx, trade.PortfolioID); err == nil {
		resp.Portfolio = s.detail(ctx, p)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListTrades handles GET /api/v1/portfolios/{portfolioID}/trades with
// page/page_size pagination, newest first.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	if _, err := s.store.GetPortfolio(r.Context(), portfolioID); err != nil {
		writeError(w, "not_found", "portfolio not found", http.StatusNotFound)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	trades, err := s.store.ListTrades(r.Context(), portfolioID, size, (page-1)*size)
	if err != nil {
		writeError(w, "server_error", "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Reporting handlers ---

// Chart handles GET /api/v1/portfolios/{portfolioID}/chart?range=
// Reporting favors availability: internal failures degrade to a single
// cash-only point instead of an error.
func (s *Service) Chart(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, "not_found", "portfolio not found", http.StatusNotFound)
		return
	}

	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = valuation.RangeAll
	}

	series, err := s.valuation.Timeseries(r.Context(), p, rng)
	if err != nil || len(series) == 0 {
		if err != nil {
			slog.Warn("chart computation failed", "portfolio", p.ID, "err", err)
		}
		series = []model.SeriesPoint{{Time: time.Now().UTC().Truncate(24 * time.Hour), Value: p.Cash}}
	}
	writeJSON(w, http.StatusOK, series)
}

// Allocations handles GET /api/v1/portfolios/{portfolioID}/allocations
// with the same cash-only degradation as Chart.
func (s *Service) Allocations(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPortfolio(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, "not_found", "portfolio not found", http.StatusNotFound)
		return
	}

	tm, err := s.valuation.Allocations(r.Context(), p)
	if err != nil {
		slog.Warn("allocations computation failed", "portfolio", p.ID, "err", err)
		tm = &model.Treemap{
			Total: p.Cash,
			Data: []model.Allocation{{
				Ticker:   "CASH",
				Value:    p.Cash,
				Weight:   decimal.NewFromInt(100),
				Position: "cash",
			}},
		}
	}
	writeJSON(w, http.StatusOK, tm)
}

// --- Ticker handlers ---

func tickerDetailKey(sym string) string { return "ticker_detail:" + sym }

// TickerDetail handles GET /api/v1/tickers/{symbol} with a 5-minute cache.
func (s *Service) TickerDetail(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Clean(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "bad_ticker", "invalid ticker symbol", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if data, ok := s.cache.Get(ctx, tickerDetailKey(sym)); ok {
		var resp TickerDetailResponse
		if json.Unmarshal(data, &resp) == nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	q := s.resolver.ResolveBatch(ctx, []string{sym})[sym]
	resp := TickerDetailResponse{Ticker: sym, Price: q.Price, PrevClose: q.PrevClose}
	if q.PrevClose != nil && !q.PrevClose.IsZero() {
		abs := q.Price.Sub(*q.PrevClose)
		pct := prices.ChangePct(q.Price, q.PrevClose)
		resp.ChangeAbs, resp.ChangePct = &abs, &pct
	}

	if data, err := json.Marshal(resp); err == nil {
		s.cache.Set(ctx, tickerDetailKey(sym), data, tickerCacheTTL)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchTickers handles GET /api/v1/tickers/search?q= — symbol validation
// plus a live-price existence probe; unknown or invalid symbols return an
// empty list rather than an error.
func (s *Service) SearchTickers(w http.ResponseWriter, r *http.Request) {
	q, err := symbol.Clean(r.URL.Query().Get("q"))
	if err != nil {
		writeJSON(w, http.StatusOK, []TickerDetailResponse{})
		return
	}

	quote := s.resolver.ResolveBatch(r.Context(), []string{q})[q]
	if !quote.Price.IsPositive() {
		writeJSON(w, http.StatusOK, []TickerDetailResponse{})
		return
	}
	writeJSON(w, http.StatusOK, []TickerDetailResponse{{Ticker: q, Price: quote.Price, PrevClose: quote.PrevClose}})
}
