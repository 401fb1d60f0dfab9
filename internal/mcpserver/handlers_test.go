package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/tierpass/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	client, err := NewClient(Config{APIURL: ts.URL, PrivateKey: "0x" + testKey})
	require.NoError(t, err)
	return NewHandlers(client)
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestNewClient_InvalidKey(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://localhost", PrivateKey: "nothex"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid private key")
}

func TestClient_ReadOnlyWithoutKey(t *testing.T) {
	client, err := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, ok := client.Address()
	assert.False(t, ok)

	_, err = client.Transfer(context.Background(), 1, "0x00000000000000000000000000000000000000b2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a signing key")
}

func TestClient_SignsMutatingRequests(t *testing.T) {
	verifier := auth.NewVerifier()
	var recovered string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		addr, err := verifier.Verify(r.Method, r.URL.Path, body,
			r.Header.Get(auth.HeaderCaller), r.Header.Get(auth.HeaderTimestamp), r.Header.Get(auth.HeaderSignature))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "message": err.Error()})
			return
		}
		recovered = addr.Hex()
		writeJSON(w, http.StatusCreated, map[string]any{"seq": 1})
	}))
	defer ts.Close()

	client, err := NewClient(Config{APIURL: ts.URL, PrivateKey: testKey})
	require.NoError(t, err)

	_, err = client.Mint(context.Background(), 1, 1, "100", "")
	require.NoError(t, err)
	assert.Equal(t, testAddress(t), recovered)
}

func TestClient_ReadsAreUnsigned(t *testing.T) {
	var gotSig string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(auth.HeaderSignature)
		writeJSON(w, http.StatusOK, map[string]any{"tiers": []any{}})
	}))
	defer ts.Close()

	client, err := NewClient(Config{APIURL: ts.URL, PrivateKey: testKey})
	require.NoError(t, err)
	_, err = client.ListTiers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotSig)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "payment_required",
			"message": "txHash is required for payable calls",
		})
	}))
	defer ts.Close()

	client, err := NewClient(Config{APIURL: ts.URL, PrivateKey: testKey})
	require.NoError(t, err)
	_, err = client.Mint(context.Background(), 1, 1, "100", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "txHash is required")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client, err := NewClient(Config{APIURL: ts.URL})
	require.NoError(t, err)
	_, err = client.ListTiers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client, err := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.ListTiers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListEvents_QueryParams(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
	}))
	defer ts.Close()

	client, err := NewClient(Config{APIURL: ts.URL})
	require.NoError(t, err)
	_, err = client.ListEvents(context.Background(), 7, "Mint", 10)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "since=7")
	assert.Contains(t, gotQuery, "event=Mint")
	assert.Contains(t, gotQuery, "limit=10")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListTiers(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tiers", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"tiers": []map[string]any{
				{"id": 1, "name": "Premium", "price": "600000000000000", "priceEther": "0.0006", "enabled": true},
				{"id": 2, "name": "VIP", "price": "1000000000000000", "priceEther": "0.001", "enabled": false},
			},
			"count": 2,
		})
	}))

	result, err := h.HandleListTiers(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "2 tier(s)")
	assert.Contains(t, text, "Tier 1: Premium, 0.0006 ETH/month")
	assert.Contains(t, text, "VIP")
	assert.Contains(t, text, "disabled")
}

func TestHandleListTiers_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tiers": []any{}, "count": 0})
	}))

	result, err := h.HandleListTiers(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No tiers have been added yet.", resultText(t, result))
}

func TestHandleGetTier_MissingID(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	result, err := h.HandleGetTier(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "tier_id is required")
}

func TestHandleGetTier_NotFound(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "InvalidTier", "message": "invalid tier"})
	}))

	result, err := h.HandleGetTier(context.Background(), makeRequest(map[string]any{"tier_id": float64(9)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid tier")
}

func TestHandleQuote(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tiers/1/quote", r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("months"))
		writeJSON(w, http.StatusOK, map[string]any{
			"tierId": 1, "months": 12, "percent": 80,
			"amount": "5760000000000000", "amountEther": "0.00576",
		})
	}))

	result, err := h.HandleQuote(context.Background(), makeRequest(map[string]any{"tier_id": float64(1), "months": float64(12)}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "5760000000000000 wei")
	assert.Contains(t, text, "80% of list price")
}

func TestHandleQuote_InvalidMonths(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	result, err := h.HandleQuote(context.Background(), makeRequest(map[string]any{"tier_id": float64(1), "months": float64(0)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetSubscription(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/3", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"subscription": map[string]any{
			"tokenId": 3, "tierId": 1, "startedTime": 1700000000, "expiredTime": 1702592000,
			"owner": "0x00000000000000000000000000000000000000B2", "active": false,
		}})
	}))

	result, err := h.HandleGetSubscription(context.Background(), makeRequest(map[string]any{"token_id": float64(3)}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Token #3 (tier 1)")
	assert.Contains(t, text, "expired until 2023-12-14T22:13:20Z")
}

func TestHandleHeldBy_DefaultsToSelf(t *testing.T) {
	self := testAddress(t)
	var gotPath string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": []any{}, "count": 0})
	}))

	result, err := h.HandleHeldBy(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "/v1/holders/"+self+"/subscriptions", gotPath)
	assert.Contains(t, resultText(t, result), "holds no subscriptions")
}

func TestHandleHeldBy_InvalidAddress(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	result, err := h.HandleHeldBy(context.Background(), makeRequest(map[string]any{"address": "0xnope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListEvents(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"events": []map[string]any{
			{"seq": 1, "event": "AddTier", "args": []map[string]string{{"name": "id", "value": "1"}, {"name": "name", "value": "Premium"}}},
			{"seq": 2, "event": "Mint", "args": []map[string]string{{"name": "tokenId", "value": "1"}}},
		}})
	}))

	result, err := h.HandleListEvents(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "#1 AddTier(id=1, name=Premium)")
	assert.Contains(t, text, "#2 Mint(tokenId=1)")
}

func TestHandleMint(t *testing.T) {
	var body map[string]any
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/subscriptions", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(auth.HeaderSignature))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusCreated, map[string]any{
			"seq": 4, "op": "mint",
			"subscription": map[string]any{"tokenId": 1, "tierId": 1, "expiredTime": 1702592000, "owner": "0xB2", "active": true},
		})
	}))

	result, err := h.HandleMint(context.Background(), makeRequest(map[string]any{
		"tier_id": float64(1), "months": float64(1), "value": "600000000000000", "tx_hash": "0xabc",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	assert.Equal(t, "600000000000000", body["value"])
	assert.Equal(t, "0xabc", body["txHash"])
	assert.Contains(t, resultText(t, result), "Subscribed at seq 4. Token #1")
}

func TestHandleMint_Validation(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing tier", map[string]any{"months": float64(1), "value": "1"}},
		{"missing months", map[string]any{"tier_id": float64(1), "value": "1"}},
		{"missing value", map[string]any{"tier_id": float64(1), "months": float64(1)}},
		{"decimal value", map[string]any{"tier_id": float64(1), "months": float64(1), "value": "0.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleMint(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestHandleExtend(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/2/extend", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"seq": 9, "op": "extend"})
	}))

	result, err := h.HandleExtend(context.Background(), makeRequest(map[string]any{
		"token_id": float64(2), "months": float64(3), "value": "1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	// No subscription in the receipt falls back to the raw body.
	assert.True(t, strings.HasPrefix(resultText(t, result), "Extended:\n"))
}

func TestHandleTransfer(t *testing.T) {
	to := "0x00000000000000000000000000000000000000c3"
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, to, body["to"])
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "Unauthorized", "message": "caller does not own token"})
	}))

	result, err := h.HandleTransfer(context.Background(), makeRequest(map[string]any{"token_id": float64(1), "to": to}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "caller does not own token")
}

func TestHandlers_ConcurrentCalls(t *testing.T) {
	var callCount atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tiers", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"tiers": []any{}})
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
	})

	h := newTestSetup(t, mux)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = h.HandleListTiers(context.Background(), makeRequest(nil))
			_, _ = h.HandleListEvents(context.Background(), makeRequest(nil))
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Equal(t, int32(40), callCount.Load())
}

// ============================================================
// Server wiring test
// ============================================================

func listTools(t *testing.T, cfg Config) string {
	t.Helper()
	s, err := NewMCPServer(cfg)
	require.NoError(t, err)
	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(out)
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	tools := listTools(t, Config{APIURL: "http://localhost:8080", PrivateKey: testKey})
	for _, name := range []string{"list_tiers", "get_tier", "quote", "get_subscription", "held_by", "list_events", "mint", "extend", "transfer"} {
		assert.Contains(t, tools, `"`+name+`"`)
	}
}

func TestNewMCPServer_ReadOnly(t *testing.T) {
	tools := listTools(t, Config{APIURL: "http://localhost:8080"})
	assert.Contains(t, tools, `"list_tiers"`)
	assert.NotContains(t, tools, `"mint"`)
}

func TestNewMCPServer_InvalidKey(t *testing.T) {
	_, err := NewMCPServer(Config{APIURL: "http://localhost:8080", PrivateKey: "zz"})
	require.Error(t, err)
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	client, err := NewClient(Config{APIURL: "http://127.0.0.1:1", PrivateKey: testKey})
	require.NoError(t, err)
	h := NewHandlers(client)
	ctx := context.Background()
	holder := "0x00000000000000000000000000000000000000b2"

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"ListTiers", func() (*mcp.CallToolResult, error) { return h.HandleListTiers(ctx, makeRequest(nil)) }},
		{"GetTier", func() (*mcp.CallToolResult, error) {
			return h.HandleGetTier(ctx, makeRequest(map[string]any{"tier_id": float64(1)}))
		}},
		{"Quote", func() (*mcp.CallToolResult, error) {
			return h.HandleQuote(ctx, makeRequest(map[string]any{"tier_id": float64(1)}))
		}},
		{"GetSubscription", func() (*mcp.CallToolResult, error) {
			return h.HandleGetSubscription(ctx, makeRequest(map[string]any{"token_id": float64(1)}))
		}},
		{"HeldBy", func() (*mcp.CallToolResult, error) {
			return h.HandleHeldBy(ctx, makeRequest(map[string]any{"address": holder}))
		}},
		{"ListEvents", func() (*mcp.CallToolResult, error) { return h.HandleListEvents(ctx, makeRequest(nil)) }},
		{"Mint", func() (*mcp.CallToolResult, error) {
			return h.HandleMint(ctx, makeRequest(map[string]any{"tier_id": float64(1), "months": float64(1), "value": "1"}))
		}},
		{"Extend", func() (*mcp.CallToolResult, error) {
			return h.HandleExtend(ctx, makeRequest(map[string]any{"token_id": float64(1), "months": float64(1), "value": "1"}))
		}},
		{"Transfer", func() (*mcp.CallToolResult, error) {
			return h.HandleTransfer(ctx, makeRequest(map[string]any{"token_id": float64(1), "to": holder}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			require.NotNil(t, result)
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
