package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/crossbook/params"
	"github.com/uhyunpark/crossbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/crossbook/pkg/app/exchange"
	"github.com/uhyunpark/crossbook/pkg/metrics"
)

const (
	// HeaderRequestID is echoed back, or generated when the client sent none.
	HeaderRequestID = "X-Request-Id"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Server handles REST API and WebSocket connections
type Server struct {
	ex      *exchange.Exchange
	metrics *metrics.Metrics
	router  *mux.Router
	feed    *fillFeed
	log     *zap.SugaredLogger
	cfg     params.API

	// ctx bounds the fill feed and every websocket client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server and starts its fill feed. Close stops the feed.
func NewServer(ex *exchange.Exchange, cfg params.API, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ex:      ex,
		metrics: m,
		router:  mux.NewRouter(),
		feed:    newFillFeed(log),
		log:     log,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.setupRoutes()
	go s.feed.run(ctx)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/trade", s.handleTrade).Methods("POST")
	s.router.HandleFunc("/order_book", s.handleOrderBook).Methods("GET")
	s.router.HandleFunc("/audit_log", s.handleAuditLog).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the router wrapped with request ids and CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", HeaderRequestID},
		ExposedHeaders:   []string{HeaderRequestID},
		AllowCredentials: true,
	})
	return c.Handler(s.requestIDMiddleware(s.router))
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Infow("api_server_stopped", "addr", addr)
	return nil
}

// Close disconnects websocket clients and stops the feed.
func (s *Server) Close() {
	s.cancel()
}

// BroadcastFill pushes a committed match to "fills" and to the pair's own channel.
func (s *Server) BroadcastFill(out orderbook.Outcome) {
	if out.Kind == orderbook.NoMatch || out.Existing == nil {
		return
	}
	update := toFillUpdate(out)
	s.feed.publish(ChannelFills, update)
	s.feed.publish(pairChannel(exchange.PairScope(out.New.SellCurrency, out.New.BuyCurrency)), update)
}

// ==============================
// REST Handlers
// ==============================

// handleTrade always answers 200 with a bare JSON boolean.
func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		// the partial body is still submitted so the rejection is audited
		s.log.Warnw("trade_body_read_failed", "request_id", requestID(r.Context()), "err", err)
	}

	accepted := s.ex.Submit(r.Context(), body)
	s.log.Debugw("trade_handled", "request_id", requestID(r.Context()), "accepted", accepted, "bytes", len(body))
	respondJSON(w, accepted)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	orders, err := s.ex.OrderBook(r.Context())
	if err != nil {
		s.log.Errorw("order_book_failed", "request_id", requestID(r.Context()), "err", err)
		respondError(w, http.StatusInternalServerError, "order book unavailable", "")
		return
	}

	response := OrderBookResponse{Data: make([]OrderRecord, len(orders))}
	for i, o := range orders {
		response.Data[i] = toOrderRecord(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	records, err := s.ex.AuditLog(r.Context())
	if err != nil {
		s.log.Errorw("audit_log_failed", "request_id", requestID(r.Context()), "err", err)
		respondError(w, http.StatusInternalServerError, "audit log unavailable", "")
		return
	}
	respondJSON(w, AuditLogResponse{Data: records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", WSClients: s.feed.size()})
}

// ==============================
// Middleware
// ==============================

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ==============================
// Helper Functions
// ==============================

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
