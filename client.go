package rollupboost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-chi/httplog/v2"
)

// ExecutionClient issues Engine API calls to one execution endpoint
// over its authenticated port. Every request carries a freshly minted
// bearer token; correctness does not depend on connection reuse.
type ExecutionClient struct {
	cfg     *EndpointConfig
	rpc     *rpc.Client
	log     *httplog.Logger
	metrics *Metrics
}

func NewExecutionClient(cfg *EndpointConfig, log *httplog.Logger, metrics *Metrics) (*ExecutionClient, error) {
	secret := cfg.JwtSecret
	client, err := rpc.DialOptions(context.Background(), cfg.AuthURL,
		rpc.WithHTTPAuth(func(h http.Header) error {
			token, err := secret.Token()
			if err != nil {
				return err
			}
			h.Set("Authorization", "Bearer "+token)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s auth rpc: %w", cfg.Name, err)
	}

	return &ExecutionClient{
		cfg:     cfg,
		rpc:     client,
		log:     log,
		metrics: metrics,
	}, nil
}

func (c *ExecutionClient) Close() {
	c.rpc.Close()
}

// Call issues one JSON-RPC request bounded by the endpoint's
// configured timeout.
func (c *ExecutionClient) Call(ctx context.Context, result any, method string, params ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.rpc.CallContext(ctx, result, method, params...); err != nil {
		c.metrics.upstreamError(c.cfg.Name, method)
		return &UpstreamError{Upstream: c.cfg.Name, Method: method, Err: err}
	}
	return nil
}

// ForkchoiceUpdated forwards the raw forkchoice params untouched so
// version-specific attribute fields survive verbatim. The method name
// carries the version suffix.
func (c *ExecutionClient) ForkchoiceUpdated(ctx context.Context, method string, params []json.RawMessage) (*engine.ForkChoiceResponse, error) {
	var resp engine.ForkChoiceResponse
	if err := c.Call(ctx, &resp, method, rawArgs(params)...); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ExecutionClient) GetPayload(ctx context.Context, method string, id engine.PayloadID) (*engine.ExecutionPayloadEnvelope, error) {
	var envelope engine.ExecutionPayloadEnvelope
	if err := c.Call(ctx, &envelope, method, id); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (c *ExecutionClient) NewPayload(ctx context.Context, method string, params []json.RawMessage) (*engine.PayloadStatusV1, error) {
	var status engine.PayloadStatusV1
	if err := c.Call(ctx, &status, method, rawArgs(params)...); err != nil {
		return nil, err
	}
	return &status, nil
}

func rawArgs(params []json.RawMessage) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return args
}

// UpstreamError tags a failed upstream call with the endpoint it was
// sent to, so the proxy can decide what the client is allowed to see.
type UpstreamError struct {
	Upstream string
	Method   string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Upstream, e.Method, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RPCError reports whether the upstream answered with a JSON-RPC error
// object, as opposed to failing at the transport level.
func (e *UpstreamError) RPCError() (rpc.Error, bool) {
	var rpcErr rpc.Error
	if errors.As(e.Err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func (e *UpstreamError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Kind buckets the failure for logging: timeout, rpc, http, decode or
// transport.
func (e *UpstreamError) Kind() string {
	var (
		rpcErr    rpc.Error
		httpErr   rpc.HTTPError
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case e.Timeout():
		return "timeout"
	case errors.As(e.Err, &rpcErr):
		return "rpc"
	case errors.As(e.Err, &httpErr):
		return "http"
	case errors.As(e.Err, &typeErr), errors.As(e.Err, &syntaxErr):
		return "decode"
	default:
		return "transport"
	}
}
