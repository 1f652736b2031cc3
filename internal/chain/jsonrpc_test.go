// internal/chain/jsonrpc_test.go
package chain

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:       logging.ErrorLevel,
		Output:      io.Discard,
		ServiceName: "test",
		Environment: "test",
	})
}

// rpcStub serves scripted JSON-RPC responses and records the calls it saw.
type rpcStub struct {
	mu       sync.Mutex
	handlers map[string]func(params []interface{}) (interface{}, *rpcError)
	methods  []string
	params   map[string][]interface{}
}

func newRPCStub() *rpcStub {
	return &rpcStub{
		handlers: make(map[string]func(params []interface{}) (interface{}, *rpcError)),
		params:   make(map[string][]interface{}),
	}
}

func (s *rpcStub) on(method string, fn func(params []interface{}) (interface{}, *rpcError)) {
	s.handlers[method] = fn
}

func (s *rpcStub) returns(method string, result interface{}) {
	s.on(method, func([]interface{}) (interface{}, *rpcError) { return result, nil })
}

func (s *rpcStub) fails(method string, code int, message string) {
	s.on(method, func([]interface{}) (interface{}, *rpcError) {
		return nil, &rpcError{Code: code, Message: message}
	})
}

func (s *rpcStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.methods = append(s.methods, req.Method)
	s.params[req.Method] = req.Params
	handler := s.handlers[req.Method]
	s.mu.Unlock()

	resp := rpcResponse{}
	if handler == nil {
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	} else {
		result, rpcErr := handler(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Result = raw
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *rpcStub) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.methods))
	copy(out, s.methods)
	return out
}

func (s *rpcStub) lastParams(method string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[method]
}

func newRPCHarness(t *testing.T) (*rpcStub, *JSONRPCEndpoint) {
	stub := newRPCStub()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	ep := NewJSONRPCEndpoint(JSONRPCConfig{
		ChainID: "testchain",
		URL:     srv.URL,
		Timeout: 2 * time.Second,
		Logger:  testLogger(),
	})
	return stub, ep
}

func TestJSONRPCConfirmedNonce(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionCount", "0x1c")

	nonce, err := ep.ConfirmedNonce(context.Background(), "0xsender")
	require.NoError(t, err)
	assert.Equal(t, uint64(28), nonce)
	assert.Equal(t, []interface{}{"0xsender", "latest"}, stub.lastParams("eth_getTransactionCount"))
}

func TestJSONRPCConfirmedNonceMalformedReply(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionCount", "zz")

	_, err := ep.ConfirmedNonce(context.Background(), "0xsender")
	require.Error(t, err)
	assert.True(t, errors.IsEndpointError(err, errors.EndpointErrMalformedReply))
}

func TestJSONRPCConfirmedNonceNodeError(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.fails("eth_getTransactionCount", -32000, "server busy")

	_, err := ep.ConfirmedNonce(context.Background(), "0xsender")
	require.Error(t, err)
	assert.True(t, errors.IsEndpointError(err, errors.EndpointErrUnavailable))
	assert.Contains(t, err.Error(), "server busy")
}

func TestJSONRPCSimulateSafe(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_call", "0x")
	stub.returns("eth_estimateGas", "0x5208")
	stub.returns("eth_gasPrice", "0x3b9aca00")

	res, err := ep.Simulate(context.Background(), CallFrame{
		Sender:    "0xsender",
		Recipient: "0xrecipient",
		Value:     big.NewInt(5),
		Payload:   []byte{0xab, 0xcd},
		GasLimit:  100_000,
		Nonce:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, SimSafe, res.Status)
	assert.Equal(t, uint64(21000), res.GasUsed)
	assert.Equal(t, big.NewInt(1_000_000_000), res.GasPrice)

	params := stub.lastParams("eth_call")
	require.Len(t, params, 2)
	callObj, ok := params[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "0xsender", callObj["from"])
	assert.Equal(t, "0xrecipient", callObj["to"])
	assert.Equal(t, "0x5", callObj["value"])
	assert.Equal(t, "0xabcd", callObj["data"])
	assert.Equal(t, "0x186a0", callObj["gas"])
	assert.Equal(t, "latest", params[1])
}

func TestJSONRPCSimulateRevertStopsEarly(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.fails("eth_call", 3, "execution reverted: transfer amount exceeds balance")

	res, err := ep.Simulate(context.Background(), CallFrame{Sender: "0xsender"})
	require.NoError(t, err)
	assert.Equal(t, SimReverting, res.Status)
	assert.Contains(t, res.Revert, "exceeds balance")
	assert.Equal(t, []string{"eth_call"}, stub.calls())
}

func TestJSONRPCSimulateNodeAmbiguityInconclusive(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.fails("eth_call", -32000, "missing trie node")

	res, err := ep.Simulate(context.Background(), CallFrame{Sender: "0xsender"})
	require.NoError(t, err)
	assert.Equal(t, SimInconclusive, res.Status)
}

func TestJSONRPCSimulateEstimateRevert(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_call", "0x")
	stub.fails("eth_estimateGas", 3, "invalid opcode: SELFDESTRUCT")

	res, err := ep.Simulate(context.Background(), CallFrame{Sender: "0xsender"})
	require.NoError(t, err)
	assert.Equal(t, SimReverting, res.Status)
}

func TestJSONRPCSimulateGasPriceOptional(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_call", "0x")
	stub.returns("eth_estimateGas", "0x5208")
	stub.fails("eth_gasPrice", -32601, "method not supported")

	res, err := ep.Simulate(context.Background(), CallFrame{Sender: "0xsender"})
	require.NoError(t, err)
	assert.Equal(t, SimSafe, res.Status)
	assert.Nil(t, res.GasPrice)
}

func TestJSONRPCBroadcast(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_sendRawTransaction", "0xdeadbeef")

	handle, err := ep.Broadcast(context.Background(), &SignedTransaction{Hash: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", handle)

	params := stub.lastParams("eth_sendRawTransaction")
	require.Len(t, params, 1)
	raw, ok := params[0].(string)
	require.True(t, ok)
	assert.True(t, len(raw) > 2 && raw[:2] == "0x")
}

func TestJSONRPCBroadcastAlreadyKnown(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.fails("eth_sendRawTransaction", -32000, "already known")

	handle, err := ep.Broadcast(context.Background(), &SignedTransaction{Hash: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", handle)
}

func TestJSONRPCBroadcastRejection(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.fails("eth_sendRawTransaction", -32000, "nonce too low")

	_, err := ep.Broadcast(context.Background(), &SignedTransaction{Hash: "abc123"})
	require.Error(t, err)
	assert.True(t, errors.IsEndpointError(err, errors.EndpointErrBroadcastRejected))
}

func TestJSONRPCBroadcastNodeTroubleRetryable(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.fails("eth_sendRawTransaction", -32000, "txpool is full")

	_, err := ep.Broadcast(context.Background(), &SignedTransaction{Hash: "abc123"})
	require.Error(t, err)
	assert.True(t, errors.IsEndpointError(err, errors.EndpointErrUnavailable))
	assert.False(t, errors.IsEndpointError(err, errors.EndpointErrBroadcastRejected))
}

func TestJSONRPCBroadcastEmptyHandleFallsBack(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_sendRawTransaction", "")

	handle, err := ep.Broadcast(context.Background(), &SignedTransaction{Hash: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", handle)
}

func TestJSONRPCPollConfirmationUnknown(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionByHash", nil)

	status, err := ep.PollConfirmation(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.False(t, status.Found)
	assert.False(t, status.Included)
}

func TestJSONRPCPollConfirmationPending(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionByHash", map[string]interface{}{"blockNumber": nil})

	status, err := ep.PollConfirmation(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.False(t, status.Included)
	assert.Equal(t, []string{"eth_getTransactionByHash"}, stub.calls())
}

func TestJSONRPCPollConfirmationIncluded(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionByHash", map[string]interface{}{"blockNumber": "0x10"})
	stub.returns("eth_getTransactionReceipt", map[string]interface{}{
		"status":      "0x1",
		"gasUsed":     "0x5208",
		"blockNumber": "0x10",
	})

	status, err := ep.PollConfirmation(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.True(t, status.Included)
	assert.True(t, status.Success)
	assert.Equal(t, uint64(21000), status.GasUsed)
	assert.Equal(t, uint64(16), status.Block)
}

func TestJSONRPCPollConfirmationReverted(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionByHash", map[string]interface{}{"blockNumber": "0x10"})
	stub.returns("eth_getTransactionReceipt", map[string]interface{}{
		"status":      "0x0",
		"gasUsed":     "0x5208",
		"blockNumber": "0x10",
	})

	status, err := ep.PollConfirmation(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, status.Included)
	assert.False(t, status.Success)
}

func TestJSONRPCPollConfirmationReceiptLagging(t *testing.T) {
	stub, ep := newRPCHarness(t)
	stub.returns("eth_getTransactionByHash", map[string]interface{}{"blockNumber": "0x10"})
	stub.returns("eth_getTransactionReceipt", nil)

	status, err := ep.PollConfirmation(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.False(t, status.Included)
}

func TestJSONRPCCancelledContext(t *testing.T) {
	_, ep := newRPCHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ep.ConfirmedNonce(ctx, "0xsender")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestJSONRPCUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	ep := NewJSONRPCEndpoint(JSONRPCConfig{
		ChainID: "testchain",
		URL:     srv.URL,
		Timeout: 500 * time.Millisecond,
		Logger:  testLogger(),
	})

	_, err := ep.ConfirmedNonce(context.Background(), "0xsender")
	require.Error(t, err)
	assert.True(t, errors.IsEndpointError(err, errors.EndpointErrUnavailable))
}

func TestParseHexValues(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x2a", 42, false},
		{"ff", 255, false},
		{"0x", 0, true},
		{"", 0, true},
		{"zz", 0, true},
		{"0x10000000000000000", 0, true},
	}

	for _, tt := range tests {
		got, err := parseHexUint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
