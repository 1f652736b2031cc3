// internal/chain/jsonrpc.go
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
)

// JSONRPCConfig holds the settings for a JSON-RPC endpoint.
type JSONRPCConfig struct {
	ChainID string
	URL     string
	// Timeout bounds a single RPC round trip.
	Timeout time.Duration
	// RateLimit caps calls per second. 0 disables the cap.
	RateLimit float64
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// JSONRPCEndpoint drives a chain over HTTP JSON-RPC. It speaks the eth_
// method family, which the supported chains share.
type JSONRPCEndpoint struct {
	chainID string
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics
	reqID   atomic.Uint64
}

// NewJSONRPCEndpoint creates an endpoint client for one chain.
func NewJSONRPCEndpoint(cfg JSONRPCConfig) *JSONRPCEndpoint {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	return &JSONRPCEndpoint{
		chainID: cfg.ChainID,
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithChain(cfg.ChainID).WithField("component", "rpc"),
		metrics: cfg.Metrics,
	}
}

// ChainID returns the chain this endpoint serves.
func (e *JSONRPCEndpoint) ChainID() string { return e.chainID }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. The returned error carries an
// endpoint domain code; RPC-level errors come back as *rpcError via the
// second return so methods can classify them.
func (e *JSONRPCEndpoint) call(ctx context.Context, method string, params []interface{}, out interface{}) (*rpcError, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.EndpointWrapWithCode(err, method, errors.EndpointErrRateLimited, "rate limiter wait")
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      e.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.EndpointWrap(err, method, "encoding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.EndpointWrap(err, method, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.record(method, start, true)
		code := errors.EndpointErrUnavailable
		if ctx.Err() != nil || strings.Contains(err.Error(), "Timeout") || strings.Contains(err.Error(), "deadline") {
			code = errors.EndpointErrTimeout
		}
		return nil, errors.EndpointWrapWithCode(err, method, code, "rpc call failed")
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		e.record(method, start, true)
		return nil, errors.EndpointWrapWithCode(err, method, errors.EndpointErrMalformedReply, "decoding response")
	}
	e.record(method, start, rr.Error != nil)

	e.logger.Debug("rpc call",
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if rr.Error != nil {
		return rr.Error, nil
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return nil, errors.EndpointWrapWithCode(err, method, errors.EndpointErrMalformedReply, "decoding result")
		}
	}
	return nil, nil
}

func (e *JSONRPCEndpoint) record(method string, start time.Time, failed bool) {
	if e.metrics != nil {
		e.metrics.RecordEndpointCall(e.chainID, method, time.Since(start), failed)
	}
}

// ConfirmedNonce returns the next sequence number the chain expects for the
// account.
func (e *JSONRPCEndpoint) ConfirmedNonce(ctx context.Context, account string) (uint64, error) {
	var result string
	rpcErr, err := e.call(ctx, "eth_getTransactionCount", []interface{}{account, "latest"}, &result)
	if err != nil {
		return 0, err
	}
	if rpcErr != nil {
		return 0, errors.NewEndpointError(errors.EndpointErrUnavailable,
			fmt.Sprintf("eth_getTransactionCount: %s", rpcErr.Message), nil)
	}
	return parseHexUint(result)
}

// Simulate runs the frame via eth_call and estimates gas. Definitive
// execution failures come back as reverting; node-side ambiguity comes back
// as inconclusive.
func (e *JSONRPCEndpoint) Simulate(ctx context.Context, frame CallFrame) (*SimulationResult, error) {
	callObj := map[string]interface{}{
		"from": frame.Sender,
	}
	if frame.Recipient != "" {
		callObj["to"] = frame.Recipient
	}
	if frame.Value != nil && frame.Value.Sign() > 0 {
		callObj["value"] = hexBig(frame.Value)
	}
	if len(frame.Payload) > 0 {
		callObj["data"] = "0x" + hex.EncodeToString(frame.Payload)
	}
	if frame.GasLimit > 0 {
		callObj["gas"] = hexUint(frame.GasLimit)
	}

	var callOut string
	rpcErr, err := e.call(ctx, "eth_call", []interface{}{callObj, "latest"}, &callOut)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		if isExecutionRevert(rpcErr.Message) {
			return &SimulationResult{Status: SimReverting, Revert: rpcErr.Message}, nil
		}
		// Node-side ambiguity (syncing, missing state). Worth retrying.
		return &SimulationResult{Status: SimInconclusive, Revert: rpcErr.Message}, nil
	}

	var gasHex string
	rpcErr, err = e.call(ctx, "eth_estimateGas", []interface{}{callObj}, &gasHex)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		if isExecutionRevert(rpcErr.Message) {
			return &SimulationResult{Status: SimReverting, Revert: rpcErr.Message}, nil
		}
		return &SimulationResult{Status: SimInconclusive, Revert: rpcErr.Message}, nil
	}
	gasUsed, err := parseHexUint(gasHex)
	if err != nil {
		return nil, err
	}

	var priceHex string
	rpcErr, err = e.call(ctx, "eth_gasPrice", []interface{}{}, &priceHex)
	if err != nil {
		return nil, err
	}
	result := &SimulationResult{Status: SimSafe, GasUsed: gasUsed}
	if rpcErr == nil {
		if price, perr := parseHexBig(priceHex); perr == nil {
			result.GasPrice = price
		}
	}
	return result, nil
}

// Broadcast submits the signed envelope. Chain-side validity rejections are
// definitive; transport failures are retryable.
func (e *JSONRPCEndpoint) Broadcast(ctx context.Context, tx *SignedTransaction) (string, error) {
	encoded, err := json.Marshal(tx)
	if err != nil {
		return "", errors.EndpointWrap(err, errors.OpBroadcastCall, "encoding signed transaction")
	}

	var handle string
	rpcErr, err := e.call(ctx, "eth_sendRawTransaction", []interface{}{"0x" + hex.EncodeToString(encoded)}, &handle)
	if err != nil {
		return "", err
	}
	if rpcErr != nil {
		// A node that already has the transaction accepted an earlier
		// attempt. Treat it as broadcast.
		if isAlreadyKnown(rpcErr.Message) {
			return "0x" + tx.Hash, nil
		}
		code := errors.EndpointErrUnavailable
		if isBroadcastRejection(rpcErr.Message) {
			code = errors.EndpointErrBroadcastRejected
		}
		return "", errors.NewEndpointError(code, rpcErr.Message, nil)
	}
	if handle == "" {
		handle = "0x" + tx.Hash
	}
	return handle, nil
}

// PollConfirmation reports what the chain currently knows about the handle.
func (e *JSONRPCEndpoint) PollConfirmation(ctx context.Context, handle string) (*ConfirmationStatus, error) {
	var tx *struct {
		BlockNumber *string `json:"blockNumber"`
	}
	rpcErr, err := e.call(ctx, "eth_getTransactionByHash", []interface{}{handle}, &tx)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, errors.NewEndpointError(errors.EndpointErrUnavailable, rpcErr.Message, nil)
	}
	if tx == nil {
		return &ConfirmationStatus{}, nil
	}
	if tx.BlockNumber == nil {
		return &ConfirmationStatus{Found: true}, nil
	}

	var receipt *struct {
		Status      string `json:"status"`
		GasUsed     string `json:"gasUsed"`
		BlockNumber string `json:"blockNumber"`
	}
	rpcErr, err = e.call(ctx, "eth_getTransactionReceipt", []interface{}{handle}, &receipt)
	if err != nil {
		return nil, err
	}
	if rpcErr != nil || receipt == nil {
		return &ConfirmationStatus{Found: true}, nil
	}

	gasUsed, _ := parseHexUint(receipt.GasUsed)
	block, _ := parseHexUint(receipt.BlockNumber)
	return &ConfirmationStatus{
		Found:    true,
		Included: true,
		Success:  receipt.Status == "0x1",
		GasUsed:  gasUsed,
		Block:    block,
	}, nil
}

func isExecutionRevert(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "revert") ||
		strings.Contains(m, "execution reverted") ||
		strings.Contains(m, "out of gas") ||
		strings.Contains(m, "invalid opcode")
}

func isAlreadyKnown(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already known") || strings.Contains(m, "known transaction")
}

func isBroadcastRejection(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "nonce too low") ||
		strings.Contains(m, "nonce too high") ||
		strings.Contains(m, "insufficient funds") ||
		strings.Contains(m, "underpriced") ||
		strings.Contains(m, "invalid") ||
		strings.Contains(m, "exceeds block gas limit")
}

func hexUint(v uint64) string { return fmt.Sprintf("0x%x", v) }

func hexBig(v *big.Int) string { return "0x" + v.Text(16) }

func parseHexUint(s string) (uint64, error) {
	b, err := parseHexBig(s)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, errors.NewEndpointError(errors.EndpointErrMalformedReply,
			fmt.Sprintf("value out of range: %s", s), nil)
	}
	return b.Uint64(), nil
}

func parseHexBig(s string) (*big.Int, error) {
	cleaned := strings.TrimPrefix(s, "0x")
	if cleaned == "" {
		return nil, errors.NewEndpointError(errors.EndpointErrMalformedReply, "empty hex value", nil)
	}
	b, ok := new(big.Int).SetString(cleaned, 16)
	if !ok {
		return nil, errors.NewEndpointError(errors.EndpointErrMalformedReply,
			fmt.Sprintf("bad hex value: %s", s), nil)
	}
	return b, nil
}
