package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowengine/crypto"
	"escrowengine/native/escrow"
	"escrowengine/storage/journal"
)

// APIError is a non-2xx response decoded from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("rpc: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("rpc: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Client calls the escrow API, signing mutating requests with its key.
type Client struct {
	baseURL string
	http    *http.Client
	key     *crypto.PrivateKey
	nowFn   func() time.Time
}

// NewClient returns a client for baseURL. key may be nil for read-only use.
func NewClient(baseURL string, key *crypto.PrivateKey) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		key:     key,
		nowFn:   time.Now,
	}
}

// SetHTTPClient overrides the transport, e.g. for tests.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.http = client
	}
}

func refPath(ref escrow.Ref) string {
	return "/escrows/0x" + hex.EncodeToString(ref.Depositor[:]) + "/" + strconv.FormatUint(ref.ID, 10)
}

func (c *Client) do(ctx context.Context, method, path string, signed bool, in, out interface{}) error {
	var body []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = encoded
	} else if signed {
		body = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.key == nil {
			return errors.New("rpc: signing key required")
		}
		if err := SignRequest(req, c.key, body, c.nowFn(), uuid.NewString()); err != nil {
			return err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(HeaderRequestID)}
		var envelope ErrorBody
		if json.Unmarshal(payload, &envelope) == nil && envelope.Code != "" {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *Client) escrowCall(ctx context.Context, method, path string, signed bool, in interface{}) (*EscrowView, error) {
	var view EscrowView
	if err := c.do(ctx, method, path, signed, in, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Initialize creates an escrow with the client key as depositor.
func (c *Client) Initialize(ctx context.Context, req InitRequest) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, "/escrows", true, req)
}

// Fund moves the escrow amount from the depositor into the vault.
func (c *Client) Fund(ctx context.Context, ref escrow.Ref) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, refPath(ref)+"/fund", true, nil)
}

func (c *Client) Release(ctx context.Context, ref escrow.Ref) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, refPath(ref)+"/release", true, nil)
}

func (c *Client) Dispute(ctx context.Context, ref escrow.Ref, reason string) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, refPath(ref)+"/dispute", true, DisputeRequest{Reason: reason})
}

// Resolve settles a dispute; outcome is "beneficiary" or "depositor".
func (c *Client) Resolve(ctx context.Context, ref escrow.Ref, outcome string) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, refPath(ref)+"/resolve", true, ResolveRequest{Outcome: outcome})
}

func (c *Client) Cancel(ctx context.Context, ref escrow.Ref) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, refPath(ref)+"/cancel", true, nil)
}

func (c *Client) AutoRelease(ctx context.Context, ref escrow.Ref) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodPost, refPath(ref)+"/auto-release", true, nil)
}

func (c *Client) Get(ctx context.Context, ref escrow.Ref) (*EscrowView, error) {
	return c.escrowCall(ctx, http.MethodGet, refPath(ref), false, nil)
}

// List returns every escrow created by depositor (bech32 or 0x hex).
func (c *Client) List(ctx context.Context, depositor string) ([]EscrowView, error) {
	var out []EscrowView
	err := c.do(ctx, http.MethodGet, "/escrows/"+url.PathEscape(depositor), false, nil, &out)
	return out, err
}

func (c *Client) Balance(ctx context.Context, account, asset string) (*BalanceView, error) {
	var out BalanceView
	if err := c.do(ctx, http.MethodGet, "/balances/"+url.PathEscape(account)+"/"+url.PathEscape(asset), false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Faucet mints development funds to the client key.
func (c *Client) Faucet(ctx context.Context, asset, amount string) (*BalanceView, error) {
	var out BalanceView
	if err := c.do(ctx, http.MethodPost, "/faucet", true, FaucetRequest{Asset: asset, Amount: amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusView, error) {
	var out StatusView
	if err := c.do(ctx, http.MethodGet, "/status", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events pages through the audit journal.
func (c *Client) Events(ctx context.Context, filter journal.Filter) ([]journal.Entry, error) {
	query := url.Values{}
	if filter.Ref != "" {
		query.Set("ref", filter.Ref)
	}
	if filter.Type != "" {
		query.Set("type", filter.Type)
	}
	if filter.After > 0 {
		query.Set("after", strconv.FormatInt(filter.After, 10))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/events"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []journal.Entry
	err := c.do(ctx, http.MethodGet, path, false, nil, &out)
	return out, err
}
