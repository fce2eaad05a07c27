package rollupboost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-chi/httplog/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// routeClass says what the proxy does with one JSON-RPC method.
type routeClass int

const (
	// routeDirect forwards to the L2 node and returns its reply verbatim.
	routeDirect routeClass = iota
	// routeBroadcast sends a copy to the builder in the background; the
	// L2 node's reply is the one the client sees.
	routeBroadcast
	// routeMultiplex hands the call to the stateful engine coordinator.
	routeMultiplex
)

// routingTable maps method-name prefixes to routing classes. The set
// is closed; longest prefix wins. The three coordinated engine methods
// belong to the multiplexer, every other engine_ method is broadcast.
var routingTable = map[string]routeClass{
	"engine_forkchoiceUpdated": routeMultiplex,
	"engine_getPayload":        routeMultiplex,
	"engine_newPayload":        routeMultiplex,
	"engine_":                  routeBroadcast,
	"eth_sendRawTransaction":   routeBroadcast,
	"miner_":                   routeBroadcast,
}

// classify is total and deterministic: anything without a table entry
// goes straight to the L2 node.
func classify(method string) routeClass {
	class, matched := routeDirect, 0
	for prefix, c := range routingTable {
		if strings.HasPrefix(method, prefix) && len(prefix) > matched {
			class, matched = c, len(prefix)
		}
	}
	return class
}

type jsonrpcMessage struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Proxy is the inbound JSON-RPC listener. It terminates the driver's
// JWT, classifies each call, and routes it to the L2 node, the
// builder, or the engine multiplexer.
type Proxy struct {
	cfg     *Config
	engine  *RollupBoostServer
	client  *http.Client
	log     *httplog.Logger
	metrics *Metrics
	server  *http.Server
}

func NewProxy(cfg *Config, engineSrv *RollupBoostServer, log *httplog.Logger, metrics *Metrics) *Proxy {
	return &Proxy{
		cfg:     cfg,
		engine:  engineSrv,
		client:  &http.Client{},
		log:     log,
		metrics: metrics,
	}
}

// Handler builds the inbound HTTP surface: /healthz plus the JSON-RPC
// endpoint on every other path.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.handleHealthz)
	mux.HandleFunc("/", p.handleRequest)

	if p.cfg.Tracing {
		return otelhttp.NewHandler(mux, "rollup-boost")
	}
	return mux
}

// Run starts the HTTP server
func (p *Proxy) Run() error {
	p.server = &http.Server{
		Addr:        p.cfg.ListenAddr,
		ReadTimeout: 10 * time.Second,
		Handler:     p.Handler(),
	}

	p.log.Info("Starting server", "addr", p.cfg.ListenAddr)
	p.log.Info("L2 endpoint", "http", p.cfg.L2.HTTPURL, "auth", p.cfg.L2.AuthURL)
	p.log.Info("Builder endpoint", "http", p.cfg.Builder.HTTPURL, "auth", p.cfg.Builder.AuthURL)

	if err := p.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Close gracefully shuts down the server
func (p *Proxy) Close() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (p *Proxy) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	io.WriteString(w, "OK")
}

func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The driver's token is terminated here; every upstream hop gets
	// its own freshly minted credentials.
	if err := p.authenticate(r); err != nil {
		p.log.Warn("rejected unauthenticated request", "err", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var req jsonrpcMessage
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	start := time.Now()
	defer func() { p.metrics.observeRequest(req.Method, start) }()

	p.log.Debug("received json rpc request", "method", req.Method)

	switch classify(req.Method) {
	case routeMultiplex:
		p.handleMultiplex(w, r, &req)
	case routeBroadcast:
		// The builder gets a clone on its own clock; the client never
		// waits on it and never sees its result.
		go p.broadcastToBuilder(req.Method, body)
		p.forwardToL2(r.Context(), w, &req, body)
	default:
		p.forwardToL2(r.Context(), w, &req, body)
	}
}

func (p *Proxy) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return errors.New("missing bearer token")
	}
	return p.cfg.L2.JwtSecret.Validate(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

// forwardToL2 relays the request body to the L2 auth endpoint and
// writes its reply back untouched.
func (p *Proxy) forwardToL2(ctx context.Context, w http.ResponseWriter, req *jsonrpcMessage, body []byte) {
	status, respBody, err := p.forward(ctx, p.cfg.L2, body)
	if err != nil {
		p.log.Error("error forwarding request to l2", "method", req.Method, "err", err)
		p.metrics.upstreamError(p.cfg.L2.Name, req.Method)
		writeRPCError(w, req.ID, errUpstreamUnavailable(p.cfg.L2.Name))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

// broadcastToBuilder runs detached: its deadline comes from the
// builder endpoint, not from the client's request.
func (p *Proxy) broadcastToBuilder(method string, body []byte) {
	if _, _, err := p.forward(context.Background(), p.cfg.Builder, body); err != nil {
		p.metrics.fanoutError(method)
		p.log.Warn("builder broadcast failed", "method", method, "err", err)
	}
}

// forward posts one re-materialized request to an endpoint's auth URL
// with a freshly minted bearer. The inbound Authorization header is
// never copied across.
func (p *Proxy) forward(ctx context.Context, endpoint *EndpointConfig, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, endpoint.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.AuthURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	token, err := endpoint.JwtSecret.Token()
	if err != nil {
		return 0, nil, fmt.Errorf("minting %s token: %w", endpoint.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (p *Proxy) handleMultiplex(w http.ResponseWriter, r *http.Request, req *jsonrpcMessage) {
	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, &jsonrpcError{Code: -32602, Message: "invalid params"})
			return
		}
	}

	result, err := p.engine.HandleEngine(r.Context(), req.Method, params)
	if err != nil {
		p.log.Error("engine call failed", "method", req.Method, "err", err)
		writeRPCError(w, req.ID, toRPCError(err))
		return
	}
	writeRPCResult(w, req.ID, result)
}

// toRPCError maps upstream failures onto the JSON-RPC error surface:
// RPC errors pass through verbatim, everything else becomes an
// internal error tagged with the upstream that failed.
func toRPCError(err error) *jsonrpcError {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if rpcErr, ok := upstream.RPCError(); ok {
			e := &jsonrpcError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
			var dataErr rpc.DataError
			if errors.As(upstream.Err, &dataErr) {
				e.Data = dataErr.ErrorData()
			}
			return e
		}
		return errUpstreamUnavailable(upstream.Upstream)
	}
	if errors.Is(err, errInvalidParams) {
		return &jsonrpcError{Code: -32602, Message: "invalid params"}
	}
	return &jsonrpcError{Code: -32603, Message: err.Error()}
}

func errUpstreamUnavailable(upstream string) *jsonrpcError {
	return &jsonrpcError{
		Code:    -32603,
		Message: "upstream unavailable",
		Data:    map[string]string{"upstream": upstream},
	}
}

func writeRPCResult(w http.ResponseWriter, id, result json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonrpcMessage{Version: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *jsonrpcError) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jsonrpcMessage{Version: "2.0", ID: id, Error: rpcErr})
}
