package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/app/core"
	"github.com/uhyunpark/hypermarket/pkg/app/matcher"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
	"github.com/uhyunpark/hypermarket/pkg/storage"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
	maxBodyBytes       = 1 << 20
	defaultRunTimeout  = 2 * time.Minute
)

// Runner is the matcher entry point the server invokes
type Runner interface {
	ID() string
	RunOnce(ctx context.Context, trig matcher.Trigger) (*matcher.RunResult, error)
}

type Options struct {
	AllowedOrigins []string
	Domain         crypto.Domain // EIP-712 domain submitted signatures are checked against
	// RunTimeout bounds a triggered batch. The batch does not follow the
	// request context, so a caller hanging up does not cut it short.
	RunTimeout time.Duration
}

// Server handles the matcher invocation endpoint, order submission, market
// reads and WebSocket connections
type Server struct {
	runner Runner
	store  storage.Store
	router *mux.Router
	hub    *Hub
	opts   Options
	logger *zap.SugaredLogger
	http   *http.Server
}

func NewServer(runner Runner, store storage.Store, hub *Hub, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.Domain.ChainID == nil {
		opts.Domain = crypto.DefaultDomain()
	}

	s := &Server{
		runner: runner,
		store:  store,
		router: mux.NewRouter(),
		hub:    hub,
		opts:   opts,
		logger: logger.Sugar().With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Matcher invocation
	s.router.HandleFunc("/", s.handleRun).Methods("POST")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/matcher/run", s.handleRun).Methods("POST")

	// Order submission
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", s.handleGetQueuedOrder).Methods("GET")

	// Market data
	api.HandleFunc("/markets/{marketId}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{marketId}/trades", s.handleGetTrades).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	})
	return c.Handler(s.router)
}

func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and serves until Shutdown
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("server_starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Matcher
// ==============================

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}
	// the body is optional; a malformed one is treated as absent
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.logger.Debugw("run_body_ignored", "err", err)
			req = RunRequest{}
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.RunTimeout)
	defer cancel()

	res, err := s.runner.RunOnce(ctx, matcher.Trigger{Trigger: req.Trigger, MarketID: req.MarketID})
	if err != nil {
		s.logger.Errorw("matcher_invocation_failed", "worker", s.runner.ID(), "err", err)
		respondError(w, http.StatusInternalServerError, "matcher invocation failed", err.Error())
		return
	}

	msg := "no queued orders"
	if res.Claimed > 0 {
		msg = "processed " + strconv.Itoa(res.Processed) + " orders"
	}
	respondJSON(w, http.StatusOK, RunResponse{
		Success:   true,
		WorkerID:  res.WorkerID,
		Message:   msg,
		Processed: res.Processed,
		Matched:   res.Matched,
		Failed:    res.Failed,
		Trades:    res.Trades,
	})
}

// ==============================
// Orders
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	q, err := s.queuedOrder(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	if req.Signature != "" && common.IsHexAddress(req.MakerAccountID) {
		if err := s.verifySignature(req, q); err != nil {
			respondError(w, http.StatusUnauthorized, "invalid signature", err.Error())
			return
		}
	}

	if err := s.store.EnqueueOrder(r.Context(), q); err != nil {
		if errors.Is(err, core.ErrDuplicate) {
			respondError(w, http.StatusConflict, "order already queued", q.OrderID)
			return
		}
		s.logger.Errorw("enqueue_failed", "order", q.OrderID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to enqueue order", err.Error())
		return
	}

	s.logger.Infow("order_enqueued",
		"order", q.OrderID,
		"market", q.MarketID,
		"side", q.Side,
		"price", q.PriceTicks,
		"qty", q.Quantity)

	respondJSON(w, http.StatusAccepted, SubmitOrderResponse{Status: "queued", OrderID: q.OrderID})
}

func (s *Server) queuedOrder(req SubmitOrderRequest) (core.QueuedOrder, error) {
	side, err := core.ParseSide(req.Side)
	if err != nil {
		return core.QueuedOrder{}, err
	}
	if req.MarketID == "" || req.MakerAccountID == "" {
		return core.QueuedOrder{}, errors.New("marketId and makerAccountId are required")
	}

	id := req.OrderID
	if id == "" {
		id = crypto.NewOrderID()
	}

	q := core.QueuedOrder{
		OrderID:        id,
		MarketID:       req.MarketID,
		MakerAccountID: req.MakerAccountID,
		Side:           side,
		PriceTicks:     req.PriceTicks,
		Quantity:       req.Quantity,
		MaxCollateral:  req.MaxCollateral,
		TimeInForce:    core.TimeInForce(req.TimeInForce).Normalize(),
		Nonce:          req.Nonce,
		Signature:      req.Signature,
		PriorityScore:  req.PriorityScore,
	}
	if req.ExpiresAt > 0 {
		exp := time.Unix(req.ExpiresAt, 0).UTC()
		q.ExpiresAt = &exp
	}
	return q, nil
}

func (s *Server) verifySignature(req SubmitOrderRequest, q core.QueuedOrder) error {
	maker := common.HexToAddress(req.MakerAccountID)
	signer, err := s.opts.Domain.RecoverOrderSigner(crypto.OrderMessage{
		MarketID:      q.MarketID,
		Side:          string(q.Side),
		PriceTicks:    q.PriceTicks,
		Quantity:      q.Quantity,
		MaxCollateral: q.MaxCollateral,
		TimeInForce:   string(q.TimeInForce),
		Nonce:         q.Nonce,
		ExpiresAt:     req.ExpiresAt,
		Maker:         maker,
	}, req.Signature)
	if err != nil {
		return err
	}
	if signer != maker {
		return errors.New("signer " + signer.Hex() + " is not maker " + maker.Hex())
	}
	return nil
}

func (s *Server) handleGetQueuedOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]

	q, err := s.store.GetQueuedOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			respondError(w, http.StatusNotFound, "order not found", id)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load order", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// ==============================
// Market data
// ==============================

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["marketId"]

	snap, err := s.store.GetSnapshot(r.Context(), marketID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			respondError(w, http.StatusNotFound, "orderbook not found", marketID)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load orderbook", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toSnapshot(*snap))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["marketId"]

	limit := defaultTradesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.store.RecentTrades(r.Context(), marketID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load trades", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toTradeInfos(trades))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"worker":  s.runner.ID(),
		"clients": s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string, details string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
