package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/tierpass/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListTiers lists the tiers on offer.
func (h *Handlers) HandleListTiers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListTiers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list tiers: %v", err)), nil
	}
	text, err := formatTierList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tiers: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTier describes one tier.
func (h *Handlers) HandleGetTier(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tierID, ok := positiveID(req, "tier_id")
	if !ok {
		return mcp.NewToolResultError("tier_id is required"), nil
	}
	raw, err := h.client.GetTier(ctx, tierID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get tier: %v", err)), nil
	}
	var resp struct {
		Tier tierInfo `json:"tier"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse tier: %v", err)), nil
	}
	return mcp.NewToolResultText(resp.Tier.String()), nil
}

// HandleQuote prices a tier for a number of months.
func (h *Handlers) HandleQuote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tierID, ok := positiveID(req, "tier_id")
	if !ok {
		return mcp.NewToolResultError("tier_id is required"), nil
	}
	months := req.GetInt("months", 1)
	if months < 1 {
		return mcp.NewToolResultError("months must be at least 1"), nil
	}

	raw, err := h.client.Quote(ctx, tierID, months)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get quote: %v", err)), nil
	}
	var q struct {
		Months      int    `json:"months"`
		Percent     int    `json:"percent"`
		Amount      string `json:"amount"`
		AmountEther string `json:"amountEther"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}

	text := fmt.Sprintf("Tier %d for %d month(s): %s wei (%s ETH)", tierID, q.Months, q.Amount, q.AmountEther)
	if q.Percent > 0 && q.Percent < 100 {
		text += fmt.Sprintf(", %d%% of list price", q.Percent)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetSubscription describes one subscription token.
func (h *Handlers) HandleGetSubscription(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, ok := positiveID(req, "token_id")
	if !ok {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	raw, err := h.client.GetSubscription(ctx, tokenID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get subscription: %v", err)), nil
	}
	var resp struct {
		Subscription subscriptionInfo `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse subscription: %v", err)), nil
	}
	return mcp.NewToolResultText(resp.Subscription.String()), nil
}

// HandleHeldBy lists subscriptions owned by an address.
func (h *Handlers) HandleHeldBy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		self, ok := h.client.Address()
		if !ok {
			return mcp.NewToolResultError("address is required when no signing key is configured"), nil
		}
		address = self.Hex()
	}
	if !validation.IsValidEthAddress(address) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid address %q", address)), nil
	}

	raw, err := h.client.HeldBy(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list subscriptions: %v", err)), nil
	}
	text, err := formatSubscriptionList(address, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse subscriptions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEvents reads the event log.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := req.GetInt("since", 0)
	if since < 0 {
		since = 0
	}
	raw, err := h.client.ListEvents(ctx, uint64(since), req.GetString("event", ""), req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	text, err := formatEventList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleMint buys a subscription.
func (h *Handlers) HandleMint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tierID, ok := positiveID(req, "tier_id")
	if !ok {
		return mcp.NewToolResultError("tier_id is required"), nil
	}
	months := req.GetInt("months", 0)
	value := req.GetString("value", "")
	if months < 1 || value == "" {
		return mcp.NewToolResultError("months and value are required"), nil
	}
	if validation.ValidWei("value", value)() != nil {
		return mcp.NewToolResultError("value must be a non-negative integer amount of wei"), nil
	}

	raw, err := h.client.Mint(ctx, tierID, months, value, req.GetString("tx_hash", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Mint failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReceipt("Subscribed", raw)), nil
}

// HandleExtend adds months to a subscription.
func (h *Handlers) HandleExtend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, ok := positiveID(req, "token_id")
	if !ok {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	months := req.GetInt("months", 0)
	value := req.GetString("value", "")
	if months < 1 || value == "" {
		return mcp.NewToolResultError("months and value are required"), nil
	}
	if validation.ValidWei("value", value)() != nil {
		return mcp.NewToolResultError("value must be a non-negative integer amount of wei"), nil
	}

	raw, err := h.client.Extend(ctx, tokenID, months, value, req.GetString("tx_hash", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Extend failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReceipt("Extended", raw)), nil
}

// HandleTransfer gives a subscription away.
func (h *Handlers) HandleTransfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, ok := positiveID(req, "token_id")
	if !ok {
		return mcp.NewToolResultError("token_id is required"), nil
	}
	to := req.GetString("to", "")
	if !validation.IsValidEthAddress(to) {
		return mcp.NewToolResultError("to must be a valid address"), nil
	}

	raw, err := h.client.Transfer(ctx, tokenID, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Transfer failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReceipt("Transferred", raw)), nil
}

// --- Response formatting ---

type tierInfo struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Price      string `json:"price"`
	PriceEther string `json:"priceEther"`
	Enabled    bool   `json:"enabled"`
}

func (t tierInfo) String() string {
	status := "enabled"
	if !t.Enabled {
		status = "disabled"
	}
	return fmt.Sprintf("Tier %d: %s, %s ETH/month (%s wei), %s", t.ID, t.Name, t.PriceEther, t.Price, status)
}

type subscriptionInfo struct {
	TokenID     uint64 `json:"tokenId"`
	TierID      uint64 `json:"tierId"`
	StartedTime int64  `json:"startedTime"`
	ExpiredTime int64  `json:"expiredTime"`
	Owner       string `json:"owner"`
	Active      bool   `json:"active"`
}

func (s subscriptionInfo) String() string {
	status := "active"
	if !s.Active {
		status = "expired"
	}
	return fmt.Sprintf("Token #%d (tier %d) owned by %s, %s until %s",
		s.TokenID, s.TierID, s.Owner, status, formatUnix(s.ExpiredTime))
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func formatTierList(raw json.RawMessage) (string, error) {
	var resp struct {
		Tiers []tierInfo `json:"tiers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Tiers) == 0 {
		return "No tiers have been added yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d tier(s):\n", len(resp.Tiers))
	for _, t := range resp.Tiers {
		sb.WriteString("- " + t.String() + "\n")
	}
	return sb.String(), nil
}

func formatSubscriptionList(address string, raw json.RawMessage) (string, error) {
	var resp struct {
		Subscriptions []subscriptionInfo `json:"subscriptions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Subscriptions) == 0 {
		return fmt.Sprintf("%s holds no subscriptions.", address), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s holds %d subscription(s):\n", address, len(resp.Subscriptions))
	for _, s := range resp.Subscriptions {
		sb.WriteString("- " + s.String() + "\n")
	}
	return sb.String(), nil
}

type eventInfo struct {
	Seq  uint64 `json:"seq"`
	Name string `json:"event"`
	Args []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"args"`
	Caller string `json:"caller"`
}

func formatEventList(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []eventInfo `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No events found.", nil
	}

	var sb strings.Builder
	for _, e := range resp.Events {
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = a.Name + "=" + a.Value
		}
		fmt.Fprintf(&sb, "#%d %s(%s)\n", e.Seq, e.Name, strings.Join(args, ", "))
	}
	return sb.String(), nil
}

// formatReceipt summarizes a mutating call, falling back to the raw body.
func formatReceipt(verb string, raw json.RawMessage) string {
	var r struct {
		Seq          uint64            `json:"seq"`
		Subscription *subscriptionInfo `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || r.Subscription == nil {
		return verb + ":\n" + formatJSON(raw)
	}
	return fmt.Sprintf("%s at seq %d. %s", verb, r.Seq, r.Subscription.String())
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func positiveID(req mcp.CallToolRequest, key string) (uint64, bool) {
	id := req.GetInt(key, 0)
	if id < 1 {
		return 0, false
	}
	return uint64(id), true
}
