package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxResponseSize = 1 << 20

// DefaultHTTPTimeout bounds a single gateway round trip.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPClient talks to a Finternet-style REST gateway. It performs exactly one
// attempt per call; wrap it in Resilient for retries.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL. Pass timeout=0 to use
// DefaultHTTPTimeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// do sends one request and returns the parsed body. Transport failures, 429
// and 5xx responses wrap ErrTransient. 402 wraps ErrInsufficientFunds, 404
// wraps ErrNotFound and any other 4xx wraps ErrRejected. A 2xx body that is
// not JSON wraps ErrBadResponse.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, ref string) (gjson.Result, error) {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshal %s body: %w: %w", path, err, ErrNotSent)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w: %w", err, ErrNotSent)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if ref != "" {
		req.Header.Set("Idempotency-Key", ref)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, fmt.Errorf("%s %s: %v: %w", method, path, err, ErrTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s response: %v: %w", path, err, ErrTransient)
	}

	if resp.StatusCode >= 300 {
		msg := errorMessage(raw)
		var kind error
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			kind = ErrTransient
		case resp.StatusCode == http.StatusPaymentRequired:
			kind = ErrInsufficientFunds
		case resp.StatusCode == http.StatusNotFound:
			kind = ErrNotFound
		default:
			kind = ErrRejected
		}
		return gjson.Result{}, fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, msg, kind)
	}

	if len(raw) > 0 && !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s %s: invalid JSON response: %w", method, path, ErrBadResponse)
	}
	return gjson.ParseBytes(raw), nil
}

func errorMessage(raw []byte) string {
	for _, path := range []string{"error.message", "message", "error", "detail"} {
		if r := gjson.GetBytes(raw, path); r.Exists() && r.Type == gjson.String {
			return r.Str
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}

// first returns the first non-empty string at the given paths.
func first(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p).String(); v != "" {
			return v
		}
	}
	return ""
}

func parseTx(r gjson.Result) (*Tx, error) {
	id := first(r, "transaction_id", "finternet_tx_id", "id")
	if id == "" {
		return nil, fmt.Errorf("response missing transaction id: %w", ErrBadResponse)
	}
	status := first(r, "status")
	if status == "" {
		status = TxStatusSuccess
	}
	return &Tx{ID: id, Status: status}, nil
}

func parseMilestone(r gjson.Result) MilestoneInfo {
	return MilestoneInfo{
		MilestoneID: first(r, "milestone_id", "id"),
		EscrowID:    r.Get("escrow_id").String(),
		Index:       int(r.Get("index").Int()),
		Description: r.Get("description").String(),
		Amount:      r.Get("amount").Float(),
		Percentage:  r.Get("percentage").Float(),
		Status:      r.Get("status").String(),
	}
}

func (c *HTTPClient) ConnectWallet(ctx context.Context, userID string) (*Wallet, error) {
	r, err := c.do(ctx, http.MethodPost, "/wallets", map[string]string{"user_id": userID}, "")
	if err != nil {
		return nil, err
	}
	w := &Wallet{Address: first(r, "wallet_address", "address"), Balance: r.Get("balance").Float()}
	if w.Address == "" {
		return nil, fmt.Errorf("connect wallet: response missing address: %w", ErrBadResponse)
	}
	return w, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, wallet string) (float64, error) {
	r, err := c.do(ctx, http.MethodGet, "/wallets/"+url.PathEscape(wallet)+"/balance", nil, "")
	if err != nil {
		return 0, err
	}
	b := r.Get("balance")
	if !b.Exists() {
		return 0, fmt.Errorf("get balance: response missing balance: %w", ErrBadResponse)
	}
	return b.Float(), nil
}

func (c *HTTPClient) LockFunds(ctx context.Context, wallet string, amount float64, ref string) (*Tx, error) {
	r, err := c.do(ctx, http.MethodPost, "/locks", map[string]any{
		"wallet_address": wallet,
		"amount":         amount,
		"reference":      ref,
	}, ref)
	if err != nil {
		return nil, err
	}
	return parseTx(r)
}

func (c *HTTPClient) Settle(ctx context.Context, payer, payee string, amount float64, ref string) (*Tx, error) {
	if payee == "" {
		payee = PlatformAccount
	}
	r, err := c.do(ctx, http.MethodPost, "/settlements", map[string]any{
		"payer_wallet": payer,
		"payee_wallet": payee,
		"amount":       amount,
		"reference":    ref,
	}, ref)
	if err != nil {
		return nil, err
	}
	return parseTx(r)
}

func (c *HTTPClient) Refund(ctx context.Context, wallet string, amount float64, ref string) (*Tx, error) {
	r, err := c.do(ctx, http.MethodPost, "/refunds", map[string]any{
		"wallet_address": wallet,
		"amount":         amount,
		"reference":      ref,
	}, ref)
	if err != nil {
		return nil, err
	}
	return parseTx(r)
}

func (c *HTTPClient) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if req.Currency == "" {
		req.Currency = "USD"
	}
	r, err := c.do(ctx, http.MethodPost, "/payment-intents", req, req.Reference)
	if err != nil {
		return nil, err
	}
	in := &Intent{
		IntentID:    first(r, "intent_id", "id"),
		EscrowID:    r.Get("escrow_id").String(),
		Status:      r.Get("status").String(),
		TotalAmount: r.Get("total_amount").Float(),
		Currency:    first(r, "currency"),
		Description: r.Get("description").String(),
	}
	if md, ok := r.Get("metadata").Value().(map[string]any); ok {
		in.Metadata = md
	}
	if in.IntentID == "" {
		return nil, fmt.Errorf("create intent: response missing intent id: %w", ErrBadResponse)
	}
	return in, nil
}

func (c *HTTPClient) GetEscrow(ctx context.Context, intentID string) (*EscrowInfo, error) {
	r, err := c.do(ctx, http.MethodGet, "/payment-intents/"+url.PathEscape(intentID)+"/escrow", nil, "")
	if err != nil {
		return nil, err
	}
	info := &EscrowInfo{
		ID:           r.Get("id").String(),
		IntentID:     first(r, "intent_id"),
		Status:       first(r, "status"),
		TotalAmount:  r.Get("total_amount").Float(),
		LockedAmount: r.Get("locked_amount").Float(),
		Milestones:   []MilestoneInfo{},
	}
	if info.IntentID == "" {
		info.IntentID = intentID
	}
	if info.Status == "" {
		info.Status = "active"
	}
	r.Get("milestones").ForEach(func(_, m gjson.Result) bool {
		info.Milestones = append(info.Milestones, parseMilestone(m))
		return true
	})
	return info, nil
}

func (c *HTTPClient) CreateMilestone(ctx context.Context, req MilestoneRequest) (*MilestoneInfo, error) {
	ref := fmt.Sprintf("%s:%d", req.EscrowID, req.Index)
	r, err := c.do(ctx, http.MethodPost, "/escrows/"+url.PathEscape(req.EscrowID)+"/milestones", req, ref)
	if err != nil {
		return nil, err
	}
	m := parseMilestone(r)
	return &m, nil
}

func (c *HTTPClient) SubmitProof(ctx context.Context, milestoneID string, proof Proof) (*ProofReceipt, error) {
	r, err := c.do(ctx, http.MethodPost, "/milestones/"+url.PathEscape(milestoneID)+"/proof", proof, "")
	if err != nil {
		return nil, err
	}
	return &ProofReceipt{
		MilestoneID: first(r, "milestone_id"),
		Status:      first(r, "status"),
		ProofHash:   r.Get("proof_hash").String(),
	}, nil
}

func (c *HTTPClient) CompleteMilestone(ctx context.Context, milestoneID, escrowID string, amount float64) (*Release, error) {
	r, err := c.do(ctx, http.MethodPost, "/milestones/"+url.PathEscape(milestoneID)+"/complete", map[string]any{
		"escrow_id": escrowID,
		"amount":    amount,
	}, milestoneID+":complete")
	if err != nil {
		return nil, err
	}
	rel := &Release{
		MilestoneID:    first(r, "milestone_id"),
		EscrowID:       first(r, "escrow_id"),
		Status:         first(r, "status"),
		AmountReleased: r.Get("amount_released").Float(),
		TxID:           first(r, "transaction_id", "finternet_tx_id"),
	}
	if rel.MilestoneID == "" {
		rel.MilestoneID = milestoneID
	}
	if rel.TxID == "" {
		return nil, fmt.Errorf("complete milestone: response missing transaction id: %w", ErrBadResponse)
	}
	return rel, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	return err
}

var _ Gateway = (*HTTPClient)(nil)
