package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/escrow"
	"github.com/uhyunpark/darkpool/pkg/app/core/market"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/settlement"
	"github.com/uhyunpark/darkpool/pkg/app/core/transaction"
	"github.com/uhyunpark/darkpool/pkg/app/pool"
	"github.com/uhyunpark/darkpool/pkg/confidential"
	"github.com/uhyunpark/darkpool/pkg/storage"
)

const maxBatchesLimit = 100

// Server handles REST API and WebSocket connections
type Server struct {
	app      *pool.App
	verifier *transaction.Verifier
	router   *mux.Router
	hub      *Hub // WebSocket hub
	log      *zap.SugaredLogger
	http     *http.Server
}

// NewServer creates a new API server and subscribes it to settlements
func NewServer(app *pool.App, verifier *transaction.Verifier, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		app:      app,
		verifier: verifier,
		router:   mux.NewRouter(),
		hub:      NewHub(log.Named("ws")),
		log:      log,
	}
	s.setupRoutes()
	app.OnSettled(s.BroadcastSettlement)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{market}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{market}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/markets/{market}/batches", s.handleGetBatches).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	// Orders
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	// Matching and settlement
	api.HandleFunc("/match-and-settle", s.handleMatchAndSettle).Methods("POST")
	api.HandleFunc("/settle", s.handleSettle).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.app.Metrics().Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves until Shutdown is called
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.app.Markets().List()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = toMarketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.app.Markets().Get(mux.Vars(r)["market"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, toMarketInfo(m))
}

// handleGetOrders lists one owner's orders. The book itself is never
// exposed, so the owner query parameter is required.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market"]
	if !s.app.Markets().Exists(marketID) {
		respondError(w, http.StatusNotFound, "market not found", marketID)
		return
	}
	owner, ok := parseAddress(w, r.URL.Query().Get("owner"))
	if !ok {
		return
	}

	orders, err := s.app.OwnerOrders(marketID, owner)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]OrderInfo, len(orders))
	for i := range orders {
		response[i] = toOrderInfo(&orders[i])
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBatches(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market"]
	if !s.app.Markets().Exists(marketID) {
		respondError(w, http.StatusNotFound, "market not found", marketID)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxBatchesLimit)
	}

	recs, err := s.app.RecentBatches(marketID, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]BatchInfo, len(recs))
	for i, rec := range recs {
		response[i] = toBatchInfo(rec)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	balances, err := s.app.Balances(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, BalancesResponse{Address: addr.Hex(), Balances: balances})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.app.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.app.Withdraw)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, apply func(common.Address, string, uint64) error) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Asset == "" {
		respondError(w, http.StatusBadRequest, "missing asset", "")
		return
	}
	if err := apply(addr, req.Asset, req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	balances, err := s.app.Balances(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, BalancesResponse{Address: addr.Hex(), Balances: balances})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req transaction.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	draft, err := s.verifier.VerifyPlace(&req)
	if err != nil {
		s.respondRequestErr(w, err)
		return
	}
	o, err := s.app.PlaceOrder(r.Context(), draft)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, PlaceOrderResponse{Status: "accepted", Order: toOrderInfo(o)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req transaction.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, index, err := s.verifier.VerifyCancel(&req)
	if err != nil {
		s.respondRequestErr(w, err)
		return
	}
	_, refund, err := s.app.CancelOrder(r.Context(), owner, req.Market, index)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, CancelOrderResponse{Status: "cancelled", OrderIndex: index, Refund: refund})
}

func (s *Server) handleMatchAndSettle(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	res, err := s.app.MatchAndSettle(r.Context(), req.Market)
	s.respondCycle(w, res, err)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	token, err := hex.DecodeString(strings.TrimPrefix(req.Token, "0x"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token", err.Error())
		return
	}
	res, err := s.app.SettleBatch(r.Context(), req.Market, req.Fills, token)
	s.respondCycle(w, res, err)
}

// respondCycle reports a rejected fill as 409 with the partial result.
func (s *Server) respondCycle(w http.ResponseWriter, res *pool.CycleResult, err error) {
	var rej *settlement.RejectedError
	switch {
	case err == nil:
		respondJSON(w, toCycleResponse(res))
	case errors.As(err, &rej) && res != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(toCycleResponse(res))
	default:
		s.respondErr(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast
// ==============================

// BroadcastSettlement pushes a settled batch to settlements:<market>
func (s *Server) BroadcastSettlement(res *pool.CycleResult) {
	update := SettlementUpdate{
		Type:      "settlement",
		BatchID:   res.BatchID,
		Market:    res.Market,
		Digest:    res.Digest,
		Fills:     res.Applied,
		Timestamp: time.Now().UnixMilli(),
	}
	if res.Rejection != nil {
		update.Rejection = string(res.Rejection.Reason)
	}
	s.hub.BroadcastToChannel("settlements:"+res.Market, update)
}

// ==============================
// Helper Functions
// ==============================

func toMarketInfo(m market.Market) MarketInfo {
	return MarketInfo{ID: m.ID, BaseAsset: m.BaseAsset, QuoteAsset: m.QuoteAsset, Status: m.Status.String()}
}

func toBatchInfo(rec *storage.BatchRecord) BatchInfo {
	return BatchInfo{
		ID:          rec.ID,
		Market:      rec.Market,
		Timestamp:   rec.Timestamp,
		Digest:      rec.Digest,
		Fills:       rec.Fills,
		Applied:     rec.Applied,
		Rejection:   rec.Rejection,
		Attestation: "0x" + hex.EncodeToString(rec.Attestation),
	}
}

func toCycleResponse(res *pool.CycleResult) CycleResponse {
	out := CycleResponse{
		BatchID: res.BatchID,
		Market:  res.Market,
		Digest:  res.Digest,
		Fills:   res.Fills,
		Applied: res.Applied,
		Aborted: res.Aborted,
	}
	if out.Fills == nil {
		out.Fills = order.Batch{}
	}
	if out.Applied == nil {
		out.Applied = order.Batch{}
	}
	if rej := res.Rejection; rej != nil {
		out.Rejection = &RejectionInfo{Position: rej.Position, Fill: rej.Fill, Reason: string(rej.Reason), Detail: rej.Detail}
	}
	return out
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var validation *order.ValidationError
	switch {
	case errors.Is(err, market.ErrNotFound), errors.Is(err, pool.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, transaction.ErrBadSignature), errors.Is(err, confidential.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pool.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, market.ErrNotActive),
		errors.Is(err, storage.ErrNonceUsed),
		errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrOrderNotOpen),
		errors.Is(err, escrow.ErrNothingToCancel),
		errors.Is(err, escrow.ErrBalanceOverflow):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInvalidOrder), errors.Is(err, escrow.ErrInvalidAmount), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, confidential.ErrAbort):
		return http.StatusServiceUnavailable
	}
	// invariant violations, vault shortfalls and storage failures
	return http.StatusInternalServerError
}

// respondRequestErr reports a request that failed signature verification
// or decoding.
func (s *Server) respondRequestErr(w http.ResponseWriter, err error) {
	if errors.Is(err, transaction.ErrBadSignature) {
		respondError(w, http.StatusUnauthorized, "bad signature", err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, "invalid request", err.Error())
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "status", status, "err", err)
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
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
