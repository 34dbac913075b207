// ABOUTME: JSON-RPC 1.0 client for the coin node wallet
// ABOUTME: Every call is time-bounded; amounts cross the wire as decimals, never float64

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tipjar-dev/tipjar/internal/amount"
)

// ErrRPC wraps errors the node itself returned (as opposed to transport
// failures). Callers that care can match with errors.Is.
var ErrRPC = errors.New("node rpc error")

// IncomingOutput is one transaction output paying a watched address.
type IncomingOutput struct {
	TxID          string
	Vout          int
	Amount        int64 // base units
	Confirmations int
}

// Client speaks JSON-RPC 1.0 to a UTXO-chain node over HTTP with basic auth.
// It implements the five wallet operations the ledger core needs.
type Client struct {
	url      string
	username string
	password string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger

	nextID atomic.Int64
}

// New creates a node client. The timeout bounds every RPC call; a node that
// stops responding surfaces as an error, never a hang.
func New(url, username, password string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:      url,
		username: username,
		password: password,
		timeout:  timeout,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "node"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request and unmarshals the result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decoding %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("%s: %s (code %d): %w", method, parsed.Error.Message, parsed.Error.Code, ErrRPC)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d: %w", method, resp.StatusCode, ErrRPC)
	}

	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// NewAddress asks the wallet for a fresh receive address under the given
// account label.
func (c *Client) NewAddress(ctx context.Context, label string) (string, error) {
	var addr string
	if err := c.call(ctx, "getnewaddress", []any{label}, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

// listUnspentEntry mirrors the node's listunspent result rows. Amount is
// decoded as json.Number so the coin value never passes through float64.
type listUnspentEntry struct {
	TxID          string      `json:"txid"`
	Vout          int         `json:"vout"`
	Amount        json.Number `json:"amount"`
	Confirmations int         `json:"confirmations"`
}

// ListIncoming returns every output paying the address, at any confirmation
// depth. The caller filters by its own confirmation threshold.
func (c *Client) ListIncoming(ctx context.Context, address string) ([]IncomingOutput, error) {
	var entries []listUnspentEntry
	err := c.call(ctx, "listunspent", []any{0, 9999999, []string{address}}, &entries)
	if err != nil {
		return nil, err
	}

	outputs := make([]IncomingOutput, 0, len(entries))
	for _, e := range entries {
		d, err := decimal.NewFromString(e.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("parsing amount %q for %s:%d: %w", e.Amount, e.TxID, e.Vout, err)
		}
		units, err := amount.FromCoin(d)
		if err != nil {
			return nil, fmt.Errorf("converting amount for %s:%d: %w", e.TxID, e.Vout, err)
		}
		outputs = append(outputs, IncomingOutput{
			TxID:          e.TxID,
			Vout:          e.Vout,
			Amount:        units,
			Confirmations: e.Confirmations,
		})
	}
	return outputs, nil
}

// Send submits an on-chain payment and returns the transaction id. The
// amount is rendered as a decimal string so the node sees exact units.
func (c *Client) Send(ctx context.Context, destination string, units int64) (string, error) {
	coin := amount.ToCoin(units)
	var txid string
	if err := c.call(ctx, "sendtoaddress", []any{destination, json.RawMessage(coin.String())}, &txid); err != nil {
		return "", err
	}
	c.logger.Info("submitted send", "destination", destination, "amount", coin.String(), "txid", txid)
	return txid, nil
}

type getTransactionResult struct {
	Confirmations int `json:"confirmations"`
}

// GetTransaction returns the confirmation count for a wallet transaction.
func (c *Client) GetTransaction(ctx context.Context, txid string) (int, error) {
	var result getTransactionResult
	if err := c.call(ctx, "gettransaction", []any{txid}, &result); err != nil {
		return 0, err
	}
	return result.Confirmations, nil
}

// BlockCount returns the node's current block height, used for health checks.
func (c *Client) BlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}
