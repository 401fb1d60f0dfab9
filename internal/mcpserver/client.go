package mcpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/tierpass/internal/auth"
)

// Config holds the configuration for connecting to a tierpass server.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	PrivateKey string // Hex secp256k1 key used to sign mutating calls
}

// Client is a pure HTTP client for the tierpass REST API.
type Client struct {
	cfg        Config
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a client. A malformed private key is an error; an empty
// one yields a read-only client.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Address is the caller address derived from the signing key.
func (c *Client) Address() (common.Address, bool) {
	if c.key == nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(c.key.PublicKey), true
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest calls the API and returns the response body. Requests with a
// body are signed.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.key == nil {
			return nil, fmt.Errorf("%s %s needs a signing key", method, path)
		}
		if err := auth.SignRequest(req, c.key, data, c.now()); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListTiers returns every tier.
func (c *Client) ListTiers(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/tiers", nil, nil)
}

// GetTier returns one tier.
func (c *Client) GetTier(ctx context.Context, tierID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/tiers/"+strconv.FormatUint(tierID, 10), nil, nil)
}

// Quote prices a tier for the given number of months.
func (c *Client) Quote(ctx context.Context, tierID uint64, months int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("months", strconv.Itoa(months))
	return c.doRequest(ctx, http.MethodGet, "/v1/tiers/"+strconv.FormatUint(tierID, 10)+"/quote", q, nil)
}

// GetSubscription returns a subscription by token id.
func (c *Client) GetSubscription(ctx context.Context, tokenID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/subscriptions/"+strconv.FormatUint(tokenID, 10), nil, nil)
}

// HeldBy lists subscriptions owned by address.
func (c *Client) HeldBy(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/holders/"+address+"/subscriptions", nil, nil)
}

// ListEvents pages through the event log.
func (c *Client) ListEvents(ctx context.Context, since uint64, event string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatUint(since, 10))
	}
	if event != "" {
		q.Set("event", event)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/events", q, nil)
}

// Mint buys a new subscription. txHash may be empty when the server runs
// without payment verification.
func (c *Client) Mint(ctx context.Context, tierID uint64, months int, value, txHash string) (json.RawMessage, error) {
	body := map[string]any{
		"tierId": tierID,
		"months": months,
		"value":  value,
	}
	if txHash != "" {
		body["txHash"] = txHash
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/subscriptions", nil, body)
}

// Extend adds months to an existing subscription.
func (c *Client) Extend(ctx context.Context, tokenID uint64, months int, value, txHash string) (json.RawMessage, error) {
	body := map[string]any{
		"months": months,
		"value":  value,
	}
	if txHash != "" {
		body["txHash"] = txHash
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/subscriptions/"+strconv.FormatUint(tokenID, 10)+"/extend", nil, body)
}

// Transfer moves a subscription to another address.
func (c *Client) Transfer(ctx context.Context, tokenID uint64, to string) (json.RawMessage, error) {
	body := map[string]any{"to": to}
	return c.doRequest(ctx, http.MethodPost, "/v1/subscriptions/"+strconv.FormatUint(tokenID, 10)+"/transfer", nil, body)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
