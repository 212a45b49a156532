package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ReceiptReader is what the channel needs from the node to track inclusion.
type ReceiptReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// FlashbotsChannel speaks eth_sendBundle to a Flashbots-compatible relay.
// Requests are signed with a reputation key that holds no funds.
type FlashbotsChannel struct {
	url      string
	key      *ecdsa.PrivateKey
	signer   common.Address
	http     *http.Client
	receipts ReceiptReader
	log      *zap.SugaredLogger
}

func NewFlashbotsChannel(url string, key *ecdsa.PrivateKey, receipts ReceiptReader, timeout time.Duration, log *zap.SugaredLogger) *FlashbotsChannel {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FlashbotsChannel{
		url:      url,
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		http:     &http.Client{Timeout: timeout},
		receipts: receipts,
		log:      log,
	}
}

func (c *FlashbotsChannel) Name() string { return "flashbots" }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
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

type sendBundleParams struct {
	Txs             []string `json:"txs"`
	BlockNumber     string   `json:"blockNumber"`
	ReplacementUUID string   `json:"replacementUuid,omitempty"`
}

func (c *FlashbotsChannel) SendBundle(ctx context.Context, b *Bundle) (string, error) {
	txs := make([]string, len(b.Txs))
	for i, raw := range b.Txs {
		txs[i] = hexutil.Encode(raw)
	}
	var hash string
	for block := b.BlockNumber; block <= b.MaxBlock; block++ {
		params := sendBundleParams{
			Txs:             txs,
			BlockNumber:     hexutil.EncodeUint64(block),
			ReplacementUUID: b.ID.String(),
		}
		var res struct {
			BundleHash string `json:"bundleHash"`
		}
		if err := c.call(ctx, "eth_sendBundle", params, &res); err != nil {
			return "", fmt.Errorf("bundle %s block %d: %w", b.ID, block, err)
		}
		hash = res.BundleHash
	}
	c.log.Debugf("sent bundle %s (%d txs) for blocks %d-%d: %s", b.ID, len(b.Txs), b.BlockNumber, b.MaxBlock, hash)
	return hash, nil
}

// signature builds the X-Flashbots-Signature value: the EIP-191 signature of
// the hex keccak of the body, prefixed by the signing address.
func (c *FlashbotsChannel) signature(body []byte) (string, error) {
	digest := accounts.TextHash([]byte(crypto.Keccak256Hash(body).Hex()))
	sig, err := crypto.Sign(digest, c.key)
	if err != nil {
		return "", err
	}
	return c.signer.Hex() + ":" + hexutil.Encode(sig), nil
}

func (c *FlashbotsChannel) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	sig, err := c.signature(body)
	if err != nil {
		return fmt.Errorf("sign %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flashbots-Signature", sig)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, snippet(data))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet(data))
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%w: %d %s", ErrRejected, rr.Error.Code, rr.Error.Message)
	}
	if out != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Status looks for our transactions on chain. A bundle whose range the head
// has passed without inclusion lost to someone else's block.
func (c *FlashbotsChannel) Status(ctx context.Context, b *Bundle) (Outcome, error) {
	return receiptStatus(ctx, c.receipts, b)
}

func receiptStatus(ctx context.Context, r ReceiptReader, b *Bundle) (Outcome, error) {
	if r == nil || len(b.Ours) == 0 {
		return OutcomeUnknown, nil
	}
	receipt, err := r.TransactionReceipt(ctx, b.Ours[len(b.Ours)-1])
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return OutcomeConfirmed, nil
		}
		return OutcomeSuperseded, nil
	case !errors.Is(err, ethereum.NotFound):
		return OutcomePending, fmt.Errorf("receipt %s: %w", b.Ours[len(b.Ours)-1].Hex(), err)
	}

	head, err := r.BlockNumber(ctx)
	if err != nil {
		return OutcomePending, fmt.Errorf("block number: %w", err)
	}
	if head > b.MaxBlock {
		return OutcomeSuperseded, nil
	}
	return OutcomePending, nil
}
