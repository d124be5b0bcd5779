// rest.go implements the exchange's synchronous HTTP surface: account
// onboarding, order submission/cancellation, position queries, and admin
// instrument/settlement control.
//
// Grounded on the teacher's internal/api/server.go mux-and-lifecycle shape
// (ServeMux wired with handler funcs, wrapped in *http.Server with
// Read/Write/Idle timeouts, graceful Shutdown), generalized here to
// go-chi/chi/v5 — already a listed dependency for its route-parameter and
// middleware ergonomics — and internal/api/handlers.go's JSON envelope
// pattern, generalized from a bare {status} reply to {success, data, error}.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"qaexchange/internal/account"
	"qaexchange/internal/audit"
	"qaexchange/internal/errs"
	"qaexchange/internal/instrument"
	"qaexchange/internal/matching"
	"qaexchange/internal/router"
	"qaexchange/internal/settlement"
	"qaexchange/pkg/types"
)

// REST is the HTTP server wrapping the trading/admin API.
type REST struct {
	auth        *Auth
	users       *UserStore
	accounts    *account.Book
	router      *router.OrderRouter
	instruments *instrument.Registry
	matching    *matching.Engine
	settlement  *settlement.Engine
	audit       *audit.Log
	limiter     *AccountRateLimiter
	adminToken  string
	nodeID      string
	replicationRole func() string
	logger      zerolog.Logger

	server *http.Server
}

// NewREST wires a REST server over all of the already-constructed exchange
// components; listenAddr is the address http.Server listens on.
// replicationRole reports the node's current replication role for
// diagnostics ("standalone" if replication isn't enabled). wsHandler, if
// non-nil, is mounted at /ws/diff — the differential WebSocket protocol
// shares this same listener and *http.Server rather than binding a second
// port.
func NewREST(listenAddr string, auth *Auth, users *UserStore, accounts *account.Book, r *router.OrderRouter, instruments *instrument.Registry, me *matching.Engine, settle *settlement.Engine, auditLog *audit.Log, limiter *AccountRateLimiter, adminToken, nodeID string, replicationRole func() string, wsHandler, replicationHandler http.HandlerFunc, logger zerolog.Logger) *REST {
	if replicationRole == nil {
		replicationRole = func() string { return "standalone" }
	}
	s := &REST{
		auth:        auth,
		users:       users,
		accounts:    accounts,
		router:      r,
		instruments: instruments,
		matching:    me,
		settlement:  settle,
		audit:       auditLog,
		limiter:     limiter,
		adminToken:  adminToken,
		nodeID:      nodeID,
		replicationRole: replicationRole,
		logger:      logger.With().Str("component", "rest").Logger(),
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/health", s.handleHealth)
	if wsHandler != nil {
		mux.Get("/ws/diff", wsHandler)
	}
	if replicationHandler != nil {
		mux.Get("/replication/stream", replicationHandler)
	}

	mux.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/order/submit", s.handleSubmitOrder)
			r.Post("/order/cancel", s.handleCancelOrder)
			r.Get("/order/open", s.handleOpenOrders)
			r.Get("/position/{account_id}", s.handlePosition)
		})
	})

	mux.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/instrument/create", s.handleInstrumentCreate)
		r.Post("/instrument/halt", s.handleInstrumentHalt)
		r.Post("/settlement/execute", s.handleSettlementExecute)
		r.Get("/diagnostics", s.handleDiagnostics)
	})

	s.server = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving; it blocks until the listener errors or Stop closes it.
func (s *REST) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("rest api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rest: listen: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests before shutting down.
func (s *REST) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// errorPayload is spec.md §6.2's error shape: a stable machine-readable
// code alongside the human-readable message.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *errorPayload `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeErr maps err's errs.Category to its HTTP status and a stable error
// code, falling back to the given status for errors this package raised
// itself (bad request parsing, etc.) that never went through errs.
func writeErr(w http.ResponseWriter, fallbackStatus int, err error) {
	cat := errs.CategoryOf(err)
	status := fallbackStatus
	code := "INTERNAL"
	if cat != "" {
		status = errs.HTTPStatus(cat)
		code = string(cat)
	}
	writeJSON(w, status, envelope{Success: false, Error: &errorPayload{Code: code, Message: err.Error()}})
}

func (s *REST) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

type ctxKey string

const ctxUserID ctxKey = "user_id"

func (s *REST) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		claims, err := s.auth.ValidateToken(tok)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *REST) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		if s.adminToken == "" || tok != s.adminToken {
			writeErr(w, http.StatusForbidden, fmt.Errorf("rest: invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type registerRequest struct {
	UserID         string `json:"user_id"`
	Password       string `json:"password"`
	InitialBalance string `json:"initial_balance"`
}

func (s *REST) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("rest: user_id and password required"))
		return
	}
	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.users.Register(req.UserID, hash); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	balance := decimal.Zero
	if req.InitialBalance != "" {
		balance, err = decimal.NewFromString(req.InitialBalance)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}
	accountID := uuid.NewString()
	if err := s.accounts.Open(accountID, req.UserID, balance); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	s.users.SetDefaultAccount(req.UserID, accountID)
	writeOK(w, map[string]string{"user_id": req.UserID, "account_id": accountID})
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (s *REST) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	hash, ok := s.users.HashFor(req.UserID)
	if !ok || !s.auth.CheckPassword(hash, req.Password) {
		writeErr(w, http.StatusUnauthorized, fmt.Errorf("rest: invalid credentials"))
		return
	}
	token, err := s.auth.IssueToken(req.UserID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]string{"token": token})
}

type submitOrderRequest struct {
	AccountID           string `json:"account_id"`
	ClientOrderID       string `json:"client_order_id"`
	InstrumentID        string `json:"instrument_id"`
	Direction           string `json:"direction"`
	Offset              string `json:"offset"`
	PriceType           string `json:"price_type"`
	LimitPrice          string `json:"limit_price"`
	Volume              string `json:"volume"`
	SelfTradePrevention bool   `json:"self_trade_prevention"`
}

func (s *REST) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	if s.limiter != nil && !s.limiter.AllowOrder(userID) {
		writeErr(w, http.StatusTooManyRequests, fmt.Errorf("rest: order rate limit exceeded"))
		return
	}
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	accountID, err := s.resolveAccountID(userID, req.AccountID)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	dir, err := parseDirection(req.Direction)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	offset, err := parseOffset(req.Offset)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	priceType, err := parsePriceType(req.PriceType)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	price := decimal.Zero
	if priceType == types.PriceTypeLimit {
		price, err = decimal.NewFromString(req.LimitPrice)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("rest: invalid limit_price: %w", err))
			return
		}
	}
	volume, err := decimal.NewFromString(req.Volume)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("rest: invalid volume: %w", err))
		return
	}
	order, trades, err := s.router.SubmitOrder(userID, accountID, req.ClientOrderID, req.InstrumentID, dir, offset, priceType, price, volume, req.SelfTradePrevention)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeOK(w, map[string]interface{}{"order": order, "trades": trades})
}

type cancelOrderRequest struct {
	InstrumentID    string `json:"instrument_id"`
	ExchangeOrderID string `json:"exchange_order_id"`
}

func (s *REST) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	if s.limiter != nil && !s.limiter.AllowCancel(userID) {
		writeErr(w, http.StatusTooManyRequests, fmt.Errorf("rest: cancel rate limit exceeded"))
		return
	}
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	order, err := s.router.CancelOrder(userID, req.InstrumentID, req.ExchangeOrderID)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeOK(w, order)
}

func (s *REST) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	writeOK(w, s.router.QueryOpenOrders(userID))
}

func (s *REST) handlePosition(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(ctxUserID).(string)
	accountID := chi.URLParam(r, "account_id")
	ownerUserID, ok := s.accounts.Owner(accountID)
	if !ok {
		writeErr(w, http.StatusNotFound, errs.Account("rest.handlePosition", fmt.Errorf("account %s not found", accountID)))
		return
	}
	if ownerUserID != userID {
		writeErr(w, http.StatusForbidden, errs.Permission("rest.handlePosition", fmt.Errorf("user %s does not own account %s", userID, accountID)))
		return
	}
	acc, err := s.accounts.Snapshot(accountID)
	if err != nil {
		writeErr(w, http.StatusNotFound, errs.Account("rest.handlePosition", err))
		return
	}
	writeOK(w, acc)
}

// resolveAccountID returns requested if non-empty (ownership is checked by
// the router/handlers downstream), or userID's registered default account
// when requested is omitted.
func (s *REST) resolveAccountID(userID, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	accountID, ok := s.users.DefaultAccount(userID)
	if !ok {
		return "", fmt.Errorf("rest: no account_id given and user %s has no default account", userID)
	}
	return accountID, nil
}

type instrumentCreateRequest struct {
	InstrumentID   string `json:"instrument_id"`
	Exchange       string `json:"exchange"`
	PriceTick      string `json:"price_tick"`
	VolumeMultiple int64  `json:"volume_multiple"`
	MarginRate     string `json:"margin_rate"`
}

func (s *REST) handleInstrumentCreate(w http.ResponseWriter, r *http.Request) {
	var req instrumentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	priceTick, err := decimal.NewFromString(req.PriceTick)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("rest: invalid price_tick: %w", err))
		return
	}
	marginRate, err := decimal.NewFromString(req.MarginRate)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("rest: invalid margin_rate: %w", err))
		return
	}
	inst := types.Instrument{
		InstrumentID:   req.InstrumentID,
		Exchange:       req.Exchange,
		PriceTick:      priceTick,
		VolumeMultiple: req.VolumeMultiple,
		MarginRate:     marginRate,
		IsTrading:      true,
	}
	if err := s.instruments.Create(inst); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	if s.matching != nil {
		s.matching.RegisterInstrument(inst.InstrumentID)
	}
	if s.audit != nil {
		s.audit.LogAdminAction("admin", "instrument_create", inst.InstrumentID)
	}
	writeOK(w, inst)
}

type haltRequest struct {
	InstrumentID string `json:"instrument_id"`
	Trading      bool   `json:"trading"`
}

func (s *REST) handleInstrumentHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.instruments.SetTrading(req.InstrumentID, req.Trading); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if s.audit != nil {
		s.audit.LogAdminAction("admin", "instrument_halt", fmt.Sprintf("%s trading=%v", req.InstrumentID, req.Trading))
	}
	writeOK(w, map[string]interface{}{"instrument_id": req.InstrumentID, "trading": req.Trading})
}

type settlementRequest struct {
	TradingDay string `json:"trading_day"`
}

type settlementResult struct {
	TradingDay         string   `json:"trading_day"`
	AccountsSettled    int      `json:"accounts_settled"`
	LiquidatedAccounts []string `json:"liquidated_accounts"`
}

func (s *REST) handleSettlementExecute(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.settlement.RunDailySettlement(req.TradingDay); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if s.audit != nil {
		s.audit.LogAdminAction("admin", "settlement_execute", req.TradingDay)
	}

	result := settlementResult{TradingDay: req.TradingDay}
	for _, rec := range s.settlement.Records() {
		if rec.TradingDay != req.TradingDay {
			continue
		}
		result.AccountsSettled++
		if rec.Liquidated {
			result.LiquidatedAccounts = append(result.LiquidatedAccounts, rec.AccountID)
		}
	}
	writeOK(w, result)
}

func (s *REST) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	cpuPct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPct) == 0 {
		cpuPct = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	var memUsed uint64
	if err == nil {
		memUsed = memStat.Used
	}
	writeOK(w, map[string]interface{}{
		"node_id":          s.nodeID,
		"cpu_percent":      cpuPct[0],
		"memory_used_bytes": memUsed,
		"replication_role": s.replicationRole(),
	})
}

func parseDirection(s string) (types.Direction, error) {
	switch s {
	case "BUY", "buy":
		return types.DirectionBuy, nil
	case "SELL", "sell":
		return types.DirectionSell, nil
	default:
		return 0, fmt.Errorf("rest: invalid direction %q", s)
	}
}

func parseOffset(s string) (types.Offset, error) {
	switch s {
	case "OPEN", "open":
		return types.OffsetOpen, nil
	case "CLOSE", "close":
		return types.OffsetClose, nil
	case "CLOSETODAY", "closetoday", "close_today":
		return types.OffsetCloseToday, nil
	default:
		return 0, fmt.Errorf("rest: invalid offset %q", s)
	}
}

func parsePriceType(s string) (types.PriceType, error) {
	switch s {
	case "", "LIMIT", "limit":
		return types.PriceTypeLimit, nil
	case "MARKET", "market":
		return types.PriceTypeMarket, nil
	default:
		return 0, fmt.Errorf("rest: invalid price_type %q", s)
	}
}
