package rollupboost

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gotemplate "github.com/flashbots/go-template/common"
	"github.com/go-chi/httplog/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func testLogger() *httplog.Logger {
	return gotemplate.SetupLogger(&gotemplate.LoggingOpts{
		Version: gotemplate.Version,
	})
}

func staleToken(t *testing.T, secret JwtSecret, offset time.Duration) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Add(offset).Unix(),
	}).SignedString(secret[:])
	require.NoError(t, err)
	return token
}

func randomJwtSecret(t *testing.T) JwtSecret {
	var s JwtSecret
	_, err := rand.Read(s[:])
	require.NoError(t, err)
	return s
}

type capturedRequest struct {
	Method   string
	Params   []json.RawMessage
	Header   http.Header
	Body     []byte
	Response []byte
}

// fakeEndpoint is a minimal JSON-RPC execution endpoint. It records
// every request it sees and answers through a per-test handler.
type fakeEndpoint struct {
	t      *testing.T
	srv    *httptest.Server
	secret JwtSecret

	mu       sync.Mutex
	requests []capturedRequest
	handler  func(method string, params []json.RawMessage) (any, *jsonrpcError)
}

func newFakeEndpoint(t *testing.T, handler func(method string, params []json.RawMessage) (any, *jsonrpcError)) *fakeEndpoint {
	f := &fakeEndpoint{
		t:       t,
		secret:  randomJwtSecret(t),
		handler: handler,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	var msg jsonrpcMessage
	require.NoError(f.t, json.Unmarshal(body, &msg))

	var params []json.RawMessage
	if len(msg.Params) > 0 {
		require.NoError(f.t, json.Unmarshal(msg.Params, &params))
	}

	resp := jsonrpcMessage{Version: "2.0", ID: msg.ID}
	result, rpcErr := f.handler(msg.Method, params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		require.NoError(f.t, err)
		resp.Result = raw
	}
	out, err := json.Marshal(resp)
	require.NoError(f.t, err)

	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{
		Method:   msg.Method,
		Params:   params,
		Header:   r.Header.Clone(),
		Body:     body,
		Response: out,
	})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (f *fakeEndpoint) captured() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest{}, f.requests...)
}

func (f *fakeEndpoint) capturedFor(method string) []capturedRequest {
	var out []capturedRequest
	for _, req := range f.captured() {
		if req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeEndpoint) endpoint(name string) *EndpointConfig {
	return &EndpointConfig{
		Name:      name,
		HTTPURL:   f.srv.URL,
		AuthURL:   f.srv.URL,
		JwtSecret: f.secret,
		Timeout:   2 * time.Second,
	}
}

// testStack wires a full proxy with two fake upstreams.
type testStack struct {
	l2      *fakeEndpoint
	builder *fakeEndpoint
	cfg     *Config
	engine  *RollupBoostServer
	proxy   *Proxy
	srv     *httptest.Server
	metrics *Metrics
}

func newTestStack(t *testing.T, l2, builder *fakeEndpoint, boostSync bool) *testStack {
	log := testLogger()
	metrics := NewMetrics()

	cfg := DefaultConfig()
	cfg.L2 = l2.endpoint("l2")
	cfg.Builder = builder.endpoint("builder")
	cfg.BoostSync = boostSync

	l2Client, err := NewExecutionClient(cfg.L2, log, metrics)
	require.NoError(t, err)
	t.Cleanup(l2Client.Close)

	builderClient, err := NewExecutionClient(cfg.Builder, log, metrics)
	require.NoError(t, err)
	t.Cleanup(builderClient.Close)

	engineSrv := NewRollupBoostServer(l2Client, builderClient, boostSync, log, metrics)
	t.Cleanup(engineSrv.Close)

	proxy := NewProxy(cfg, engineSrv, log, metrics)
	srv := httptest.NewServer(proxy.Handler())
	t.Cleanup(srv.Close)

	return &testStack{
		l2:      l2,
		builder: builder,
		cfg:     cfg,
		engine:  engineSrv,
		proxy:   proxy,
		srv:     srv,
		metrics: metrics,
	}
}

// post sends one authenticated JSON-RPC request through the proxy.
func (s *testStack) post(t *testing.T, method string, params ...any) (*http.Response, []byte) {
	token, err := s.cfg.L2.JwtSecret.Token()
	require.NoError(t, err)
	return s.postWithToken(t, token, method, params...)
}

func (s *testStack) postWithToken(t *testing.T, token, method string, params ...any) (*http.Response, []byte) {
	if params == nil {
		params = []any{}
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, s.srv.URL, bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, respBody
}

func pid(b byte) engine.PayloadID {
	return engine.PayloadID{b, b}
}

func testPayloadEnvelope(number uint64, parentHash, blockHash common.Hash) *engine.ExecutionPayloadEnvelope {
	return &engine.ExecutionPayloadEnvelope{
		ExecutionPayload: &engine.ExecutableData{
			ParentHash:    parentHash,
			FeeRecipient:  common.Address{},
			StateRoot:     common.Hash{},
			ReceiptsRoot:  common.Hash{},
			LogsBloom:     make([]byte, 256),
			Random:        common.Hash{},
			Number:        number,
			GasLimit:      30_000_000,
			GasUsed:       21_000,
			Timestamp:     1_700_000_000,
			ExtraData:     []byte{},
			BaseFeePerGas: big.NewInt(7),
			BlockHash:     blockHash,
			Transactions:  [][]byte{},
			Withdrawals:   []*types.Withdrawal{},
		},
		BlockValue: big.NewInt(1),
	}
}

// testAttrs is a plausible payload attributes object for FCU calls.
func testAttrs() map[string]any {
	return map[string]any{
		"timestamp":             "0x6553b300",
		"prevRandao":            common.Hash{0x01}.Hex(),
		"suggestedFeeRecipient": common.Address{0x02}.Hex(),
		"withdrawals":           []any{},
		"parentBeaconBlockRoot": common.Hash{0x03}.Hex(),
	}
}

func testForkchoiceState(head common.Hash) map[string]any {
	return map[string]any{
		"headBlockHash":      head.Hex(),
		"safeBlockHash":      head.Hex(),
		"finalizedBlockHash": head.Hex(),
	}
}
