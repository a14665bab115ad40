package api

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/openperp/openperp/pkg/fixed"
	"github.com/openperp/openperp/pkg/perp"
	"github.com/openperp/openperp/pkg/pool"
	"github.com/openperp/openperp/pkg/util"
)

// Server exposes the trading engine over REST and WebSocket.
type Server struct {
	engine *perp.Engine
	reg    *perp.Registry
	pool   *pool.Pool
	fees   *perp.FeeBook
	clock  util.BlockClock
	log    *zap.SugaredLogger
	router *mux.Router
	hub    *Hub
}

// NewServer builds the router and wires the engine's event stream into the
// WebSocket hub. Pass a nil metrics handler to skip the /metrics endpoint.
func NewServer(engine *perp.Engine, reg *perp.Registry, lp *pool.Pool, fees *perp.FeeBook, clock util.BlockClock, metrics *perp.Metrics, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		reg:    reg,
		pool:   lp,
		fees:   fees,
		clock:  clock,
		log:    log,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	engine.SetNotifier(s.broadcastEvent)
	s.setupRoutes(metrics)
	return s
}

func (s *Server) setupRoutes(metrics *perp.Metrics) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Reads
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{id}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/trades/{hash}", s.handleGetTrade).Methods("GET")
	api.HandleFunc("/accounts/{address}/trades", s.handleGetUserTrades).Methods("GET")
	api.HandleFunc("/pool", s.handleGetPool).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Trade lifecycle
	api.HandleFunc("/trades/open", s.handleOpen).Methods("POST")
	api.HandleFunc("/trades/close", s.handleClose).Methods("POST")
	api.HandleFunc("/trades/liquidate", s.handleLiquidate).Methods("POST")
	api.HandleFunc("/trades/margin/add", s.handleMargin(true)).Methods("POST")
	api.HandleFunc("/trades/margin/remove", s.handleMargin(false)).Methods("POST")
	api.HandleFunc("/trades/stops", s.handleStops).Methods("POST")

	// Referrals and pool
	api.HandleFunc("/referrals", s.handleRefer).Methods("POST")
	api.HandleFunc("/pool/deposit", s.handlePoolDeposit).Methods("POST")
	api.HandleFunc("/pool/withdraw", s.handlePoolWithdraw).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// Start runs the hub and serves until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api server starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	ids := s.reg.Markets()
	response := make([]MarketInfo, 0, len(ids))
	for _, id := range ids {
		mp, ok := s.reg.Market(id)
		if !ok {
			continue
		}
		response = append(response, s.marketInfo(id, mp))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	id := common.HexToHash(mux.Vars(r)["id"])
	mp, ok := s.reg.Market(id)
	if !ok {
		respondError(w, http.StatusNotFound, "market not found", "")
		return
	}
	respondJSON(w, s.marketInfo(id, mp))
}

func (s *Server) marketInfo(id common.Hash, mp perp.MarketParams) MarketInfo {
	return MarketInfo{
		PriceID:              id.Hex(),
		Approved:             mp.Approved,
		MinLeverage:          mp.MinLeverage.String(),
		MaxLeverage:          mp.MaxLeverage.String(),
		LiquidationThreshold: mp.LiquidationThreshold.String(),
		LongImpactDepth:      mp.LongImpactDepth.String(),
		ShortImpactDepth:     mp.ShortImpactDepth.String(),
		MaxOpenInterest:      mp.MaxOpenInterest.String(),
		FundingRatePerBlock:  mp.FundingRatePerBlock.String(),
		RolloverRatePerHour:  mp.RolloverRatePerHour.String(),
		LongExposure:         s.reg.Exposure(id, true).String(),
		ShortExposure:        s.reg.Exposure(id, false).String(),
		OpenTrades:           s.reg.OpenCount(id),
	}
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	hash := common.HexToHash(mux.Vars(r)["hash"])
	trade, ok := s.reg.Trade(hash)
	if !ok {
		respondError(w, http.StatusNotFound, "trade not found", "")
		return
	}
	respondJSON(w, perp.OpenTradeRecord{Hash: hash, Trade: trade})
}

func (s *Server) handleGetUserTrades(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	trades := s.reg.TradesOf(common.HexToAddress(addressStr))
	if trades == nil {
		trades = []perp.OpenTradeRecord{}
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, PoolInfo{
		BaseBalance: s.pool.BaseBalance().String(),
		TotalShares: s.pool.TotalShares().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{
		Height:  s.clock.Height(),
		Time:    s.clock.Now().Unix(),
		Markets: len(s.reg.Markets()),
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) {
		respondError(w, http.StatusBadRequest, "invalid user address", "")
		return
	}
	margin, err := parseDec(req.Margin)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid margin", err.Error())
		return
	}
	leverage, err := parseDec(req.Leverage)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid leverage", err.Error())
		return
	}
	profitTarget, err := parseOptDec(req.ProfitTarget)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid profitTarget", err.Error())
		return
	}
	stopLoss, err := parseOptDec(req.StopLoss)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stopLoss", err.Error())
		return
	}
	limitPrice, err := parseOptDec(req.LimitPrice)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limitPrice", err.Error())
		return
	}

	receipt, err := s.engine.OpenMarketOrder(perp.OpenOrder{
		User:         common.HexToAddress(req.User),
		PriceID:      resolveMarket(req.Market),
		IsBuy:        req.IsBuy,
		Margin:       margin,
		Leverage:     leverage,
		ProfitTarget: profitTarget,
		StopLoss:     stopLoss,
		LimitPrice:   limitPrice,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, receipt)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) {
		respondError(w, http.StatusBadRequest, "invalid user address", "")
		return
	}
	pct, err := parseDec(req.ClosePercent)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid closePercent", err.Error())
		return
	}
	settlement, err := s.engine.CloseMarketOrder(common.HexToAddress(req.User), common.HexToHash(req.OrderHash), pct)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, settlement)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Liquidator) {
		respondError(w, http.StatusBadRequest, "invalid liquidator address", "")
		return
	}
	settlement, err := s.engine.LiquidateMarketOrder(common.HexToAddress(req.Liquidator), common.HexToHash(req.OrderHash))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, settlement)
}

func (s *Server) handleMargin(isAdding bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MarginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		if !common.IsHexAddress(req.User) {
			respondError(w, http.StatusBadRequest, "invalid user address", "")
			return
		}
		amount, err := parseDec(req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
			return
		}
		user := common.HexToAddress(req.User)
		hash := common.HexToHash(req.OrderHash)
		var trade *perp.Trade
		if isAdding {
			trade, err = s.engine.AddMargin(user, hash, amount)
		} else {
			trade, err = s.engine.RemoveMargin(user, hash, amount)
		}
		if err != nil {
			respondEngineError(w, err)
			return
		}
		respondJSON(w, perp.OpenTradeRecord{Hash: hash, Trade: *trade})
	}
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	var req StopsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) {
		respondError(w, http.StatusBadRequest, "invalid user address", "")
		return
	}
	stopLoss, err := parseOptDec(req.StopLoss)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stopLoss", err.Error())
		return
	}
	profitTarget, err := parseOptDec(req.ProfitTarget)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid profitTarget", err.Error())
		return
	}
	hash := common.HexToHash(req.OrderHash)
	trade, err := s.engine.UpdateStops(common.HexToAddress(req.User), hash, stopLoss, profitTarget)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, perp.OpenTradeRecord{Hash: hash, Trade: *trade})
}

func (s *Server) handleRefer(w http.ResponseWriter, r *http.Request) {
	var req ReferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) || !common.IsHexAddress(req.Referrer) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	if err := s.fees.Refer(common.HexToAddress(req.User), common.HexToAddress(req.Referrer), req.Code); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "referred"})
}

func (s *Server) handlePoolDeposit(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) {
		respondError(w, http.StatusBadRequest, "invalid user address", "")
		return
	}
	amount, err := parseDec(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	shares, err := s.pool.Deposit(common.HexToAddress(req.User), amount)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"shares": shares.String()})
}

func (s *Server) handlePoolWithdraw(w http.ResponseWriter, r *http.Request) {
	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.User) {
		respondError(w, http.StatusBadRequest, "invalid user address", "")
		return
	}
	burn, err := parseDec(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	out, err := s.pool.Withdraw(common.HexToAddress(req.User), burn)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"amount": out.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Event Broadcast
// ==============================

// broadcastEvent fans an engine event out to subscribed WebSocket clients.
func (s *Server) broadcastEvent(event any) {
	switch event.(type) {
	case *perp.OpenReceipt:
		s.hub.BroadcastToChannel("trades", wsEvent("open", event))
	case *perp.Settlement:
		s.hub.BroadcastToChannel("settlements", wsEvent("settlement", event))
	}
}

// ==============================
// Helper Functions
// ==============================

// resolveMarket accepts either a 32-byte hex price id or a plain symbol.
func resolveMarket(market string) common.Hash {
	if len(market) == 66 && market[0] == '0' && (market[1] == 'x' || market[1] == 'X') {
		return common.HexToHash(market)
	}
	return perp.MarketID(market)
}

func parseDec(s string) (fixed.Dec, error) {
	return fixed.Parse(s)
}

// parseOptDec treats empty as zero (disabled).
func parseOptDec(s string) (fixed.Dec, error) {
	if s == "" {
		return fixed.Zero(), nil
	}
	return fixed.Parse(s)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondEngineError maps engine rejection codes onto HTTP statuses and
// surfaces the stable code in the body.
func respondEngineError(w http.ResponseWriter, err error) {
	code := perp.CodeOf(err)
	status := http.StatusUnprocessableEntity
	switch code {
	case perp.CodeOrderNotFound, perp.CodeMarketUnknown:
		status = http.StatusNotFound
	case perp.CodeUnauthorized, perp.CodeNotTradeOwner:
		status = http.StatusForbidden
	case perp.CodePaused:
		status = http.StatusServiceUnavailable
	case perp.CodeArithmetic:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   "rejected",
		Code:    code.String(),
		Message: err.Error(),
	})
}
