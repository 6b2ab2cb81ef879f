package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nearkey/signer-core/internal/svcerr"
	"github.com/nearkey/signer-core/internal/types"
)

// AccountView is the subset of view_account's result this system consumes.
type AccountView struct {
	Amount        string `json:"amount"`
	Locked        string `json:"locked"`
	CodeHash      string `json:"code_hash"`
	StorageUsage  uint64 `json:"storage_usage"`
	BlockHeight   uint64 `json:"block_height"`
	BlockHash     string `json:"block_hash"`
}

// AccessKeyView mirrors view_access_key's result.
type accessKeyViewWire struct {
	Nonce      uint64          `json:"nonce"`
	Permission json.RawMessage `json:"permission"`
}

// BlockView is the subset of view_block's result this system consumes.
type BlockView struct {
	Header struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
	} `json:"header"`
}

// ViewAccount fetches an account's on-chain state.
func (c *Client) ViewAccount(ctx context.Context, accountID types.AccountID) (AccountView, error) {
	var out AccountView
	params := map[string]interface{}{
		"request_type": "view_account",
		"finality":     "optimistic",
		"account_id":   string(accountID),
	}
	raw, err := c.Call(ctx, "query", params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, svcerr.Wrap(svcerr.CodeRPCError, "decode view_account result", err)
	}
	return out, nil
}

// ViewAccessKey fetches the access key view (nonce, permission) for a
// (account, public key) pair, translating a missing key into
// svcerr.CodeKeyNotFound via the client's not-found heuristic.
func (c *Client) ViewAccessKey(ctx context.Context, accountID types.AccountID, publicKey types.NearPublicKey) (types.AccessKeyView, error) {
	var out types.AccessKeyView
	params := map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "optimistic",
		"account_id":   string(accountID),
		"public_key":   string(publicKey),
	}
	raw, err := c.Call(ctx, "query", params)
	if err != nil {
		return out, err
	}

	var wire accessKeyViewWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return out, svcerr.Wrap(svcerr.CodeRPCError, "decode view_access_key result", err)
	}
	perm, err := decodePermission(wire.Permission)
	if err != nil {
		return out, err
	}
	return types.AccessKeyView{Nonce: wire.Nonce, Permission: perm}, nil
}

func decodePermission(raw json.RawMessage) (types.Permission, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "FullAccess" {
			return types.FullAccessPermission{}, nil
		}
		return nil, svcerr.New(svcerr.CodeCryptoInvalid, "unknown string permission variant "+asString)
	}

	var wrapper struct {
		FunctionCall struct {
			Allowance   *string  `json:"allowance"`
			ReceiverID  string   `json:"receiver_id"`
			MethodNames []string `json:"method_names"`
		} `json:"FunctionCall"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, svcerr.Wrap(svcerr.CodeRPCError, "decode permission variant", err)
	}
	return types.FunctionCallPermission{
		Allowance:   wrapper.FunctionCall.Allowance,
		ReceiverID:  wrapper.FunctionCall.ReceiverID,
		MethodNames: wrapper.FunctionCall.MethodNames,
	}, nil
}

// ViewBlock fetches a block by finality level ("final" or "optimistic").
func (c *Client) ViewBlock(ctx context.Context, finality string) (BlockView, error) {
	var out BlockView
	params := map[string]interface{}{"finality": finality}
	raw, err := c.Call(ctx, "block", params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, svcerr.Wrap(svcerr.CodeRPCError, "decode block result", err)
	}
	return out, nil
}

// SendTxResult mirrors send_tx's transaction outcome summary.
type SendTxResult struct {
	TransactionHash string          `json:"transaction_hash"`
	Status          json.RawMessage `json:"status"`
}

// SendTransaction broadcasts a signed transaction, base64-encoding its
// borsh bytes as NEAR's send_tx expects.
func (c *Client) SendTransaction(ctx context.Context, signedBorshBytes []byte, waitUntil types.WaitUntil) (SendTxResult, error) {
	var out SendTxResult
	params := map[string]interface{}{
		"signed_tx_base64": base64.StdEncoding.EncodeToString(signedBorshBytes),
		"wait_until":       string(waitUntil),
	}
	raw, err := c.Call(ctx, "send_tx", params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, svcerr.Wrap(svcerr.CodeRPCError, "decode send_tx result", err)
	}
	return out, nil
}

// CallFunction performs a read-only contract view call.
func (c *Client) CallFunction(ctx context.Context, contractID types.AccountID, methodName string, argsJSON []byte) (json.RawMessage, error) {
	params := map[string]interface{}{
		"request_type": "call_function",
		"finality":     "optimistic",
		"account_id":   string(contractID),
		"method_name":  methodName,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}
	raw, err := c.Call(ctx, "query", params)
	if err != nil {
		return nil, err
	}

	// NEAR RPC encodes a view call's result as a JSON array of byte values
	// (e.g. [123,34,...]), not a base64 string.
	var wire struct {
		Result []int    `json:"result"`
		Logs   []string `json:"logs"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, svcerr.Wrap(svcerr.CodeRPCError, "decode call_function result", err)
	}
	out := make([]byte, len(wire.Result))
	for i, b := range wire.Result {
		out[i] = byte(b)
	}
	if !gjson.ValidBytes(out) {
		// Not JSON: return the text verbatim, surrounding quotes trimmed,
		// as a JSON string value.
		quoted, err := json.Marshal(strings.Trim(string(out), `"`))
		if err != nil {
			return nil, svcerr.Wrap(svcerr.CodeRPCError, "encode call_function result", err)
		}
		return json.RawMessage(quoted), nil
	}
	return json.RawMessage(out), nil
}
