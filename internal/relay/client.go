// Package relay submits and simulates transaction bundles through a private
// relay speaking the eth_sendBundle / eth_callBundle JSON-RPC dialect.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/arbguard/internal/domain"
	"github.com/alanyoungcy/arbguard/internal/retry"
)

// SignatureHeader carries the payload signature on every request.
const SignatureHeader = "X-Flashbots-Signature"

// PayloadSigner signs a request body for SignatureHeader.
type PayloadSigner interface {
	Sign(body []byte) (string, error)
}

// Bundle is the relay's view of a protected bundle.
type Bundle struct {
	Txs               []string
	BlockNumber       uint64
	MinTimestamp      int64
	MaxTimestamp      int64
	RevertingTxHashes []string
}

// FromProtected builds the relay request for b. With RevertOnAnyFailure no
// transaction is allowed to revert.
func FromProtected(b domain.ProtectedBundle) Bundle {
	out := Bundle{
		Txs:          b.RawTransactions(),
		BlockNumber:  b.TargetBlock,
		MinTimestamp: b.ValidFrom.Unix(),
		MaxTimestamp: b.ValidUntil.Unix(),
	}
	if !b.RevertOnAnyFailure {
		for _, tx := range b.Transactions {
			if tx.Role != domain.TxRoleTarget {
				out.RevertingTxHashes = append(out.RevertingTxHashes, tx.Hash)
			}
		}
	}
	return out
}

// TxResult is the simulated outcome of one transaction.
type TxResult struct {
	TxHash  string `json:"txHash"`
	GasUsed uint64 `json:"gasUsed"`
	Error   string `json:"error,omitempty"`
	Revert  string `json:"revert,omitempty"`
}

// Simulation is the result of eth_callBundle.
type Simulation struct {
	Success      bool
	Reason       string
	BundleHash   string
	TotalGasUsed uint64
	Results      []TxResult
}

// Config configures the client.
type Config struct {
	URL        string
	Timeout    time.Duration
	RateLimit  int
	RateWindow time.Duration
}

// Option configures optional client behaviour.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRateLimiter throttles submissions through l.
func WithRateLimiter(l domain.RateLimiter) Option { return func(c *Client) { c.limiter = l } }

// WithRetry overrides the transport retry policy.
func WithRetry(p retry.Policy) Option { return func(c *Client) { c.policy = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// Client talks to one relay endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	signer  PayloadSigner
	limiter domain.RateLimiter
	policy  retry.Policy
	logger  *slog.Logger
	nextID  atomic.Int64
}

// New creates a relay client.
func New(cfg Config, signer PayloadSigner, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		signer: signer,
		policy: retry.Default(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With(slog.String("component", "relay"))
	return c
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

func (e *rpcError) Error() string { return fmt.Sprintf("relay error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type sendParams struct {
	Txs               []string `json:"txs"`
	BlockNumber       string   `json:"blockNumber"`
	MinTimestamp      int64    `json:"minTimestamp,omitempty"`
	MaxTimestamp      int64    `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []string `json:"revertingTxHashes,omitempty"`
}

type callParams struct {
	Txs              []string `json:"txs"`
	BlockNumber      string   `json:"blockNumber"`
	StateBlockNumber string   `json:"stateBlockNumber"`
	Timestamp        int64    `json:"timestamp,omitempty"`
}

// SendBundle submits b and returns the relay's bundle hash. Transport
// failures are retried; a relay rejection is returned at once wrapped in
// domain.ErrSubmissionFailed.
func (c *Client) SendBundle(ctx context.Context, b Bundle) (string, error) {
	if c.limiter != nil && c.cfg.RateLimit > 0 {
		if err := c.limiter.Wait(ctx, "relay:"+c.cfg.URL, c.cfg.RateLimit, c.cfg.RateWindow); err != nil {
			return "", fmt.Errorf("relay: send bundle: rate limit: %w", err)
		}
	}

	params := sendParams{
		Txs:               b.Txs,
		BlockNumber:       hexutil.EncodeUint64(b.BlockNumber),
		MinTimestamp:      b.MinTimestamp,
		MaxTimestamp:      b.MaxTimestamp,
		RevertingTxHashes: b.RevertingTxHashes,
	}
	var result struct {
		BundleHash string `json:"bundleHash"`
	}
	if err := c.call(ctx, "eth_sendBundle", params, &result); err != nil {
		return "", fmt.Errorf("relay: send bundle: %w: %w", domain.ErrSubmissionFailed, err)
	}
	c.logger.InfoContext(ctx, "bundle submitted",
		slog.String("bundle_hash", result.BundleHash),
		slog.Uint64("block", b.BlockNumber),
		slog.Int("txs", len(b.Txs)),
	)
	return result.BundleHash, nil
}

// CallBundle simulates b on top of the latest state. A relay rejection or a
// reverting transaction is reported as an unsuccessful Simulation with a
// reason; err is reserved for transport failures.
func (c *Client) CallBundle(ctx context.Context, b Bundle) (Simulation, error) {
	params := callParams{
		Txs:              b.Txs,
		BlockNumber:      hexutil.EncodeUint64(b.BlockNumber),
		StateBlockNumber: "latest",
		Timestamp:        b.MinTimestamp,
	}
	var result struct {
		BundleHash   string     `json:"bundleHash"`
		TotalGasUsed uint64     `json:"totalGasUsed"`
		Results      []TxResult `json:"results"`
	}
	err := c.call(ctx, "eth_callBundle", params, &result)
	var rerr *rpcError
	if errors.As(err, &rerr) {
		return Simulation{Success: false, Reason: rerr.Message}, nil
	}
	if err != nil {
		return Simulation{}, fmt.Errorf("relay: call bundle: %w", err)
	}

	sim := Simulation{
		Success:      true,
		BundleHash:   result.BundleHash,
		TotalGasUsed: result.TotalGasUsed,
		Results:      result.Results,
	}
	var reasons []string
	for _, r := range result.Results {
		switch {
		case r.Error != "":
			reasons = append(reasons, r.TxHash+": "+r.Error)
		case r.Revert != "":
			reasons = append(reasons, r.TxHash+": reverted: "+r.Revert)
		}
	}
	if len(reasons) > 0 {
		sim.Success = false
		sim.Reason = strings.Join(reasons, "; ")
	}
	return sim, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  []any{params},
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	sig, err := c.signer.Sign(body)
	if err != nil {
		return err
	}

	var resp rpcResponse
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		resp = rpcResponse{}
		return c.post(ctx, body, sig, &resp)
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte, sig string, out *rpcResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 300:
		// Relays report JSON-RPC errors with 4xx status codes too.
		if json.Unmarshal(data, out) == nil && out.Error != nil {
			return nil
		}
		return retry.Permanent(fmt.Errorf("relay status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
