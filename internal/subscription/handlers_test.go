package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/tierpass/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerTest(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	svc, _, _ := newTestService(t, NewMemoryStore())
	h := NewHandler(svc)

	r := gin.New()
	r.Use(auth.Middleware(auth.NewVerifier(auth.AllowUnsigned())))
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireCaller())
	h.RegisterProtectedRoutes(protected)
	return r, svc
}

func doJSON(r *gin.Engine, method, path string, from common.Address, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if from != (common.Address{}) {
		req.Header.Set(auth.HeaderCaller, from.Hex())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_TierAndMintFlow(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := doJSON(r, http.MethodPost, "/v1/tiers", deployer, gin.H{"name": "Premium", "price": testPrice().String()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	tier := body["tier"].(map[string]any)
	assert.Equal(t, "Premium", tier["name"])
	assert.Equal(t, "600000000000000", tier["price"])
	assert.Equal(t, "0.0006", tier["priceEther"])

	w = doJSON(r, http.MethodGet, "/v1/tiers/1/quote?months=12", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, priceFor(12, 89).String(), decode(t, w)["amount"])

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", alice, gin.H{
		"tierId": 1, "months": 12, "value": priceFor(12, 89).String(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sub := decode(t, w)["subscription"].(map[string]any)
	assert.Equal(t, float64(1), sub["tokenId"])
	assert.Equal(t, alice.Hex(), sub["owner"])
	assert.Equal(t, true, sub["active"])

	w = doJSON(r, http.MethodGet, "/v1/subscriptions/1/owner", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, alice.Hex(), decode(t, w)["owner"])

	w = doJSON(r, http.MethodGet, "/v1/subscriptions/1/uri", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ipfs://tierpass/1", decode(t, w)["uri"])

	w = doJSON(r, http.MethodGet, "/v1/holders/"+alice.Hex()+"/subscriptions", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(r, http.MethodGet, "/v1/treasury", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, priceFor(12, 89).String(), decode(t, w)["balance"])

	w = doJSON(r, http.MethodGet, "/v1/events?event=Mint", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestHandler_RevertStatuses(t *testing.T) {
	r, svc := setupHandlerTest(t)
	_, err := svc.AddTier(context.Background(), deployer, premium, testPrice())
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		from   common.Address
		body   any
		status int
		reason string
	}{
		{"not owner", http.MethodPost, "/v1/tiers", alice, gin.H{"name": "VIP", "price": "1"}, http.StatusForbidden, "UNAUTHORIZED"},
		{"zero price", http.MethodPost, "/v1/tiers", deployer, gin.H{"name": "VIP", "price": "0"}, http.StatusBadRequest, "ZeroPrice()"},
		{"unknown tier price", http.MethodPut, "/v1/tiers/9/price", deployer, gin.H{"price": "0"}, http.StatusNotFound, "InvalidTier()"},
		{"mint unknown tier", http.MethodPost, "/v1/subscriptions", alice, gin.H{"tierId": 2, "months": 1, "value": testPrice().String()}, http.StatusNotFound, "InvalidTier()"},
		{"mint bad duration", http.MethodPost, "/v1/subscriptions", alice, gin.H{"tierId": 1, "months": 13, "value": testPrice().String()}, http.StatusBadRequest, "InvalidDuration()"},
		{"mint underpaid", http.MethodPost, "/v1/subscriptions", alice, gin.H{"tierId": 1, "months": 1, "value": minus1(testPrice()).String()}, http.StatusPaymentRequired, "InsufficientFunds()"},
		{"extend unknown", http.MethodPost, "/v1/subscriptions/5/extend", alice, gin.H{"months": 1, "value": testPrice().String()}, http.StatusNotFound, "InvalidSubscriptionPlan()"},
		{"withdraw zero address", http.MethodPost, "/v1/treasury/withdraw", deployer, gin.H{"recipient": common.Address{}.Hex(), "amount": "1"}, http.StatusBadRequest, "AddressZero()"},
		{"withdraw too much", http.MethodPost, "/v1/treasury/withdraw", deployer, gin.H{"recipient": bob.Hex(), "amount": "1"}, http.StatusUnprocessableEntity, "EthWithdrawalFailed()"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(r, tc.method, tc.path, tc.from, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.reason, decode(t, w)["error"])
		})
	}
}

func TestHandler_DisabledTierConflict(t *testing.T) {
	r, svc := setupHandlerTest(t)
	ctx := context.Background()
	_, err := svc.AddTier(ctx, deployer, premium, testPrice())
	require.NoError(t, err)

	w := doJSON(r, http.MethodPut, "/v1/tiers/1/enabled", deployer, gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", alice, gin.H{"tierId": 1, "months": 1, "value": testPrice().String()})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "TierDisabled()", decode(t, w)["error"])
}

func TestHandler_RequiresCaller(t *testing.T) {
	r, _ := setupHandlerTest(t)
	w := doJSON(r, http.MethodPost, "/v1/tiers", common.Address{}, gin.H{"name": "VIP", "price": "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ValidationErrors(t *testing.T) {
	r, _ := setupHandlerTest(t)

	w := doJSON(r, http.MethodPost, "/v1/tiers", deployer, gin.H{"name": "VIP", "price": "0.5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])

	w = doJSON(r, http.MethodGet, "/v1/tiers/abc", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/holders/not-an-address/subscriptions", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/subscriptions", alice, gin.H{"tierId": 1, "months": 1, "value": "1", "txHash": "0x12"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_TransferAndOwnership(t *testing.T) {
	r, svc := setupHandlerTest(t)
	ctx := context.Background()
	_, err := svc.AddTier(ctx, deployer, premium, testPrice())
	require.NoError(t, err)
	_, err = svc.Mint(ctx, alice, 1, 1, pay(testPrice()))
	require.NoError(t, err)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions/1/transfer", bob, gin.H{"to": bob.Hex()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NotTokenOwner()", decode(t, w)["error"])

	w = doJSON(r, http.MethodPost, "/v1/subscriptions/1/transfer", alice, gin.H{"to": bob.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	owner, err := svc.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, bob, owner)

	w = doJSON(r, http.MethodPost, "/v1/ownership", deployer, gin.H{"newOwner": alice.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodGet, "/v1/owner", common.Address{}, nil)
	assert.Equal(t, alice.Hex(), decode(t, w)["owner"])
}

func TestHandler_EventsPagination(t *testing.T) {
	r, svc := setupHandlerTest(t)
	ctx := context.Background()
	_, err := svc.AddTier(ctx, deployer, premium, testPrice())
	require.NoError(t, err)
	_, err = svc.Mint(ctx, alice, 1, 1, pay(testPrice()))
	require.NoError(t, err)

	// seq 1: AddTier; seq 2: Transfer then Mint.
	w := doJSON(r, http.MethodGet, "/v1/events?limit=2", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.Equal(t, float64(2), page["count"])
	assert.Equal(t, true, page["hasMore"])
	next, ok := page["nextCursor"].(string)
	require.True(t, ok)

	// The second page resumes inside commit 2.
	w = doJSON(r, http.MethodGet, "/v1/events?limit=2&cursor="+next, common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode(t, w)
	assert.Equal(t, float64(1), page["count"])
	assert.Equal(t, false, page["hasMore"])
	assert.NotContains(t, page, "nextCursor")
	events := page["events"].([]any)
	assert.Equal(t, "Mint", events[0].(map[string]any)["event"])

	w = doJSON(r, http.MethodGet, "/v1/events?since=1", common.Address{}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = doJSON(r, http.MethodGet, "/v1/events?cursor=garbage!", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
