package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

const requestTimeout = 15 * time.Second

var errRPCURLRequired = errors.New("chain rpc url is required")

// Client is a minimal EVM JSON-RPC client.
type Client struct {
	http   *resty.Client
	logger *logger.Logger
	nextID atomic.Uint64
}

func NewClient(rpcURL string, logg *logger.Logger) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errRPCURLRequired
	}
	return &Client{
		http: resty.New().
			SetBaseURL(rpcURL).
			SetTimeout(requestTimeout).
			SetHeader("Content-Type", "application/json"),
		logger: logg,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call executes method and decodes the result into out. A null result leaves
// out untouched and reports found=false.
func (c *Client) call(ctx context.Context, method string, out any, params ...any) (bool, error) {
	if params == nil {
		params = []any{}
	}
	var resp rpcResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}).
		SetResult(&resp).
		Post("")
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "chain rpc "+method+" failed")
	}
	if res.IsError() {
		return false, pkgerrors.Newf(pkgerrors.CodeDependency, "chain rpc %s returned %d", method, res.StatusCode())
	}
	if resp.Error != nil {
		c.logger.Warn(c.logger.WithFields(ctx, map[string]any{"method": method, "rpc_code": resp.Error.Code}), "chain rpc error")
		return false, pkgerrors.Wrap(pkgerrors.CodeValidation, resp.Error, "chain rpc "+method+" rejected")
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode chain rpc "+method)
	}
	return true, nil
}

// Transaction is the subset of eth_getTransactionByHash the payments flow reads.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	BlockNumber string `json:"blockNumber"`
}

// ValueWei parses the hex value.
func (t *Transaction) ValueWei() (*big.Int, error) {
	return ParseQuantity(t.Value)
}

type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
	To              string `json:"to"`
}

// Succeeded reports a receipt status of 1.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == "0x1"
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if _, err := c.call(ctx, "eth_blockNumber", &raw); err != nil {
		return 0, err
	}
	n, err := ParseQuantity(raw)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "parse block number")
	}
	return n.Uint64(), nil
}

// TransactionByHash returns nil when the node does not know the hash.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var tx Transaction
	found, err := c.call(ctx, "eth_getTransactionByHash", &tx, hash)
	if err != nil || !found {
		return nil, err
	}
	return &tx, nil
}

// TransactionReceipt returns nil while the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var rcpt Receipt
	found, err := c.call(ctx, "eth_getTransactionReceipt", &rcpt, hash)
	if err != nil || !found {
		return nil, err
	}
	return &rcpt, nil
}

// SendTransaction transfers value from a node-managed account. Failures are
// not retryable: a lost response may still have broadcast the transaction.
func (c *Client) SendTransaction(ctx context.Context, from, to string, valueWei *big.Int) (string, error) {
	tx := map[string]string{
		"from":  from,
		"to":    to,
		"value": EncodeQuantity(valueWei),
	}
	var hash string
	found, err := c.call(ctx, "eth_sendTransaction", &hash, tx)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "chain send outcome unknown")
		}
		return "", err
	}
	if !found || hash == "" {
		return "", pkgerrors.New(pkgerrors.CodeInternal, "chain send returned no hash")
	}
	return hash, nil
}

// Confirmations counts blocks including the one that mined the receipt.
func (c *Client) Confirmations(ctx context.Context, rcpt *Receipt) (uint64, error) {
	if rcpt == nil || rcpt.BlockNumber == "" {
		return 0, nil
	}
	mined, err := ParseQuantity(rcpt.BlockNumber)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "parse receipt block")
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head < mined.Uint64() {
		return 0, nil
	}
	return head - mined.Uint64() + 1, nil
}
