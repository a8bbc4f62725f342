// Package rpc provides a JSON-RPC 2.0 and WebSocket API for the tanosd daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/nostr"
	"github.com/klingon-exchange/tanos/internal/storage"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/internal/wallet"
	"github.com/klingon-exchange/tanos/pkg/logging"
)

// EventSource looks up events on relays. nostr.Pool satisfies it.
type EventSource interface {
	FetchEvent(ctx context.Context, id string) (*nostr.Event, error)
}

// Config wires the server to the node's components. Nil components disable
// the methods that need them.
type Config struct {
	Store       *storage.Storage
	Wallet      *wallet.Service
	Coordinator *swap.Coordinator
	Events      EventSource
	Network     chain.Network
	Version     string
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	store       *storage.Storage
	wallet      *wallet.Service
	coordinator *swap.Coordinator
	events      EventSource
	network     chain.Network
	version     string
	started     time.Time

	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

func invalidParams(format string, args ...interface{}) error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// NewServer creates a new JSON-RPC server. Swap events from the coordinator
// are forwarded to WebSocket subscribers.
func NewServer(cfg *Config) *Server {
	s := &Server{
		store:       cfg.Store,
		wallet:      cfg.Wallet,
		coordinator: cfg.Coordinator,
		events:      cfg.Events,
		network:     cfg.Network,
		version:     cfg.Version,
		started:     time.Now(),
		log:         logging.GetDefault().Component("rpc"),
		wsHub:       NewWSHub(),
		handlers:    make(map[string]Handler),
	}
	go s.wsHub.Run()

	if s.coordinator != nil {
		s.coordinator.OnEvent(func(ev swap.SwapEvent) {
			s.wsHub.Broadcast(EventSwapUpdate, swapUpdate(ev))
		})
	}

	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo

	// Wallet methods
	s.handlers["wallet_status"] = s.walletStatus
	s.handlers["wallet_generate"] = s.walletGenerate
	s.handlers["wallet_create"] = s.walletCreate
	s.handlers["wallet_unlock"] = s.walletUnlock
	s.handlers["wallet_lock"] = s.walletLock
	s.handlers["wallet_getAddress"] = s.walletGetAddress
	s.handlers["wallet_getBalance"] = s.walletGetBalance
	s.handlers["wallet_validateMnemonic"] = s.walletValidateMnemonic

	// Swap journal and session methods
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_history"] = s.swapHistory
	s.handlers["swap_cancel"] = s.swapCancel
	s.handlers["swap_checkTimeouts"] = s.swapCheckTimeouts

	// Nostr event methods
	s.handlers["event_get"] = s.eventGet
	s.handlers["event_verify"] = s.eventVerify
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server and disconnects WebSocket clients.
func (s *Server) Stop() error {
	defer s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			s.writeError(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decodeParams unmarshals params into v, reporting failures as InvalidParams.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}
