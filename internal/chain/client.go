// Package chain implements a minimal JSON-RPC client against a NEAR-style
// chain: view_account, view_access_key, view_block, send_tx, and
// call_function. It has no view_access_key_list accessor.
//
// Grounded directly on the teacher's internal/chain/client.go: a Client
// wrapping an *http.Client, a Config{RPCURL, timeouts}, a generic
// RPCRequest/RPCResponse/RPCError envelope, and a Call method every typed
// accessor funnels through — generalized from Neo N3's method names
// (getblockcount, getblock, invokefunction, ...) to NEAR's JSON-RPC method
// names.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// Config configures a Client.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// Client is a JSON-RPC 2.0 client for a single NEAR-style RPC endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	idCounter  int
}

// NewClient constructs a Client, defaulting Timeout to 15s if unset.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// rpcRequest is the outgoing JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcError is a JSON-RPC 2.0 error object, extended with NEAR's
// cause.name/cause.info fields used to distinguish error categories.
type rpcError struct {
	Name  string          `json:"name"`
	Cause rpcErrorCause   `json:"cause"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type rpcErrorCause struct {
	Name string          `json:"name"`
	Info json.RawMessage `json:"info,omitempty"`
}

// Call issues a JSON-RPC request and returns the raw "result" payload,
// translating transport failures and RPC-level errors into *svcerr.Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.idCounter++
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		ID:      fmt.Sprintf("chain-client-%d", c.idCounter),
		Method:  method,
		Params:  params,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeRPCHTTP, "marshal rpc request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(payload))
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeRPCHTTP, "build rpc request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeRPCHTTP, fmt.Sprintf("rpc call %s", method), err)
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, svcerr.Wrap(svcerr.CodeRPCHTTP, "decode rpc response", err)
	}
	if len(raw) == 0 {
		return nil, svcerr.New(svcerr.CodeRPCEmpty, fmt.Sprintf("empty rpc response for %s", method))
	}

	if errField := gjson.GetBytes(raw, "error"); errField.Exists() {
		var rpcErr rpcError
		if jsonErr := json.Unmarshal([]byte(errField.Raw), &rpcErr); jsonErr == nil {
			return nil, classifyRPCError(method, rpcErr)
		}
		return nil, svcerr.New(svcerr.CodeRPCError, fmt.Sprintf("rpc error calling %s: %s", method, errField.Raw))
	}

	result := gjson.GetBytes(raw, "result")
	if !result.Exists() {
		return nil, svcerr.New(svcerr.CodeRPCEmpty, fmt.Sprintf("rpc response for %s has no result field", method))
	}
	return json.RawMessage(result.Raw), nil
}

// classifyRPCError applies the not-found heuristic: account/access-key
// lookups that fail because the account or key does not yet exist are
// reported as typed not-found errors rather than generic transport
// failures, since callers (notably the Nonce Manager) branch on this.
func classifyRPCError(method string, rpcErr rpcError) error {
	switch rpcErr.Cause.Name {
	case "UNKNOWN_ACCOUNT":
		return svcerr.New(svcerr.CodeAccountDoesNotExist, fmt.Sprintf("%s: account does not exist", method))
	case "UNKNOWN_ACCESS_KEY":
		return svcerr.New(svcerr.CodeKeyNotFound, fmt.Sprintf("%s: access key does not exist", method))
	}
	return svcerr.New(svcerr.CodeRPCError, fmt.Sprintf("%s: rpc error %s (%s)", method, rpcErr.Name, rpcErr.Cause.Name))
}
