package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// SyncResult reports funds received since a given height.
type SyncResult struct {
	Height  uint64
	Credits []Value
}

// Transfer is a send ready to be broadcast by the node.
type Transfer struct {
	To     string
	Values []Value
	Fee    *uint256.Int
	Source *uint64 // account index to spend from; nil means any
}

// Node is the remote ledger endpoint the worker drives.
type Node interface {
	Sync(ctx context.Context, fromHeight uint64) (SyncResult, error)
	Broadcast(ctx context.Context, t Transfer) (txHash string, err error)
}

// RejectedError is a definitive refusal from the node. Retrying will not help.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by node (%d): %s", e.Status, e.Reason)
}

// IsRejected reports whether err carries a node rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// HTTPNode talks to the node's JSON wallet API.
type HTTPNode struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNode creates a node client. A bare host gets an http:// scheme.
func NewHTTPNode(baseURL string, timeout time.Duration) *HTTPNode {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNode{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type wireValue struct {
	Amount string `json:"amount"`
	Denom  string `json:"denom"`
}

type syncResponse struct {
	Height  uint64      `json:"height"`
	Credits []wireValue `json:"credits"`
}

type transferRequest struct {
	To     string      `json:"to"`
	Values []wireValue `json:"values"`
	Fee    string      `json:"fee"`
	Source *uint64     `json:"source,omitempty"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Sync fetches credits received after fromHeight.
func (n *HTTPNode) Sync(ctx context.Context, fromHeight uint64) (SyncResult, error) {
	u := n.baseURL + "/v1/sync?" + url.Values{"from": {strconv.FormatUint(fromHeight, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SyncResult{}, fmt.Errorf("build sync request: %w", err)
	}

	var resp syncResponse
	if err := n.do(req, &resp); err != nil {
		return SyncResult{}, fmt.Errorf("sync: %w", err)
	}

	credits := make([]Value, 0, len(resp.Credits))
	for _, c := range resp.Credits {
		amount, err := uint256.FromDecimal(c.Amount)
		if err != nil {
			return SyncResult{}, fmt.Errorf("sync: bad credit amount %q: %w", c.Amount, err)
		}
		credits = append(credits, Value{Amount: amount, Denom: c.Denom})
	}
	return SyncResult{Height: resp.Height, Credits: credits}, nil
}

// Broadcast submits a transfer and returns the transaction hash.
func (n *HTTPNode) Broadcast(ctx context.Context, t Transfer) (string, error) {
	body := transferRequest{To: t.To, Fee: "0", Source: t.Source}
	if t.Fee != nil {
		body.Fee = t.Fee.Dec()
	}
	for _, v := range t.Values {
		body.Values = append(body.Values, wireValue{Amount: v.Amount.Dec(), Denom: v.Denom})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/v1/transfer", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp transferResponse
	if err := n.do(req, &resp); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	return resp.TxHash, nil
}

func (n *HTTPNode) do(req *http.Request, out any) error {
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		reason := e.Error
		if reason == "" {
			reason = strings.TrimSpace(string(data))
		}
		if resp.StatusCode < 500 {
			return &RejectedError{Status: resp.StatusCode, Reason: reason}
		}
		return fmt.Errorf("node returned %d: %s", resp.StatusCode, reason)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
