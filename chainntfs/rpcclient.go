package chainntfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Client is the Bitcoin-RPC surface ChainBackend consumes:
// getblockchaininfo, getblockhash, getblock, getrawtransaction,
// gettransaction, sendrawtransaction, estimatesmartfee, getmempoolinfo.
// gettxout is not part of it. It is defined as an interface so the poller can be
// driven by a fake client in tests without a live bitcoind.
type Client interface {
	GetBlockChainInfo(ctx context.Context) (*BlockChainInfo, error)
	GetBlockHash(ctx context.Context, height int32) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
	GetTransactionConfirmations(ctx context.Context, txid *chainhash.Hash) (int64, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
	EstimateSmartFee(ctx context.Context, targetBlocks int64) (satPerKW int64, ok bool, err error)
	GetMempoolInfo(ctx context.Context) (*MempoolInfo, error)
}

// BlockChainInfo is the subset of getblockchaininfo's response the poller
// needs: the current tip height, hash, and chain name (for the regtest
// fee-floor fallback).
type BlockChainInfo struct {
	Chain         string
	Blocks        int32
	BestBlockHash string
}

// MempoolInfo is the subset of getmempoolinfo's response a Client returns.
// ChainBackend's poll loop does not call GetMempoolInfo.
type MempoolInfo struct {
	Size int64
}

// HTTPClient is the concrete Client implementation: HTTP Basic Auth JSON-RPC
// against bitcoind, per spec §6 ("Auth is HTTP Basic with
// core-user/core-pass").
type HTTPClient struct {
	url      string
	user     string
	pass     string
	http     *http.Client
}

// NewHTTPClient constructs an HTTPClient against the given bitcoind RPC
// endpoint.
func NewHTTPClient(url, user, pass string) *HTTPClient {
	return &HTTPClient{
		url:  url,
		user: user,
		pass: pass,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bitcoind rpc error %d: %s", e.Code, e.Message)
}

func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      "lampo",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &FatalError{Cause: fmt.Errorf("bitcoind rejected RPC credentials")}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &TransientError{Cause: err}
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// TransientError wraps a failure the poller should simply retry next
// iteration without advancing state (spec §7: "Transient I/O").
type TransientError struct{ Cause error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }
func (e *TransientError) IsTransient() bool { return true }

// FatalError signals bad auth or a wrong network -- the poller must
// terminate and surface exactly one error event (spec §4.3 "Failure").
type FatalError struct{ Cause error }

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }
func (e *FatalError) IsTransient() bool { return false }

func (c *HTTPClient) GetBlockChainInfo(ctx context.Context) (*BlockChainInfo, error) {
	var out BlockChainInfo
	if err := c.call(ctx, "getblockchaininfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetBlockHash(ctx context.Context, height int32) (*chainhash.Hash, error) {
	var hashStr string
	if err := c.call(ctx, "getblockhash", []interface{}{height}, &hashStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(hashStr)
}

func (c *HTTPClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	var raw string
	if err := c.call(ctx, "getblock", []interface{}{hash.String(), 0}, &raw); err != nil {
		return nil, err
	}
	return decodeBlockHex(raw)
}

func (c *HTTPClient) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	var raw string
	if err := c.call(ctx, "getrawtransaction", []interface{}{txid.String()}, &raw); err != nil {
		return nil, err
	}
	return decodeTxHex(raw)
}

func (c *HTTPClient) GetTransactionConfirmations(ctx context.Context, txid *chainhash.Hash) (int64, error) {
	var result struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := c.call(ctx, "gettransaction", []interface{}{txid.String()}, &result); err != nil {
		return 0, err
	}
	return result.Confirmations, nil
}

func (c *HTTPClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	raw, err := encodeTxHex(tx)
	if err != nil {
		return nil, err
	}
	var txidStr string
	if err := c.call(ctx, "sendrawtransaction", []interface{}{raw}, &txidStr); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(txidStr)
}

func (c *HTTPClient) EstimateSmartFee(ctx context.Context, targetBlocks int64) (int64, bool, error) {
	var result struct {
		FeeRate float64  `json:"feerate"`
		Errors  []string `json:"errors"`
	}
	if err := c.call(ctx, "estimatesmartfee", []interface{}{targetBlocks}, &result); err != nil {
		return 0, false, err
	}
	if len(result.Errors) > 0 || result.FeeRate <= 0 {
		return 0, false, nil
	}
	// feerate is BTC/kvB; convert to sat/kW (1 vbyte ~= 4 weight units).
	satPerKvB := result.FeeRate * 1e8
	satPerKW := int64(satPerKvB / 4)
	return satPerKW, true, nil
}

func (c *HTTPClient) GetMempoolInfo(ctx context.Context) (*MempoolInfo, error) {
	var out MempoolInfo
	if err := c.call(ctx, "getmempoolinfo", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
