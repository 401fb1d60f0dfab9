package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the tierpass MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListTiers = mcp.NewTool("list_tiers",
	mcp.WithDescription(
		"List the subscription tiers on offer. "+
			"Returns each tier's id, name, monthly price in wei and ether, and whether it can be bought."),
)

var ToolGetTier = mcp.NewTool("get_tier",
	mcp.WithDescription("Get a single subscription tier by id."),
	mcp.WithNumber("tier_id",
		mcp.Required(),
		mcp.Description("Tier id (1-based, in the order tiers were added)")),
)

var ToolQuote = mcp.NewTool("quote",
	mcp.WithDescription(
		"Price a subscription before buying it. "+
			"Longer terms get a discount; the quote is the exact value to send with mint or extend."),
	mcp.WithNumber("tier_id",
		mcp.Required(),
		mcp.Description("Tier id to price")),
	mcp.WithNumber("months",
		mcp.Description("Number of months (default 1)")),
)

var ToolGetSubscription = mcp.NewTool("get_subscription",
	mcp.WithDescription(
		"Look up a subscription token: its tier, current owner, start and expiry time, and whether it is active."),
	mcp.WithNumber("token_id",
		mcp.Required(),
		mcp.Description("Subscription token id")),
)

var ToolHeldBy = mcp.NewTool("held_by",
	mcp.WithDescription(
		"List subscriptions owned by an address. Defaults to your own address when a signing key is configured."),
	mcp.WithString("address",
		mcp.Description("Holder address (e.g. '0x1234...')")),
)

var ToolListEvents = mcp.NewTool("list_events",
	mcp.WithDescription(
		"Read the subscription book's event log: tier changes, mints, extensions, transfers and withdrawals."),
	mcp.WithNumber("since",
		mcp.Description("Only return events after this sequence number")),
	mcp.WithString("event",
		mcp.Description("Filter by event name"),
		mcp.Enum("AddTier", "ChangeTierPrice", "EnableTier", "Mint", "Extend", "Transfer", "EthWithdraw", "OwnershipTransferred")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events (default 50, max 200)")),
)

var ToolMint = mcp.NewTool("mint",
	mcp.WithDescription(
		"Buy a new subscription for yourself. Use quote first to get the exact value. "+
			"On servers that verify payments, pass the hash of the transfer that paid for it."),
	mcp.WithNumber("tier_id",
		mcp.Required(),
		mcp.Description("Tier id to subscribe to")),
	mcp.WithNumber("months",
		mcp.Required(),
		mcp.Description("Number of months")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("Payment in wei, as a decimal string")),
	mcp.WithString("tx_hash",
		mcp.Description("Payment transaction hash (0x...)")),
)

var ToolExtend = mcp.NewTool("extend",
	mcp.WithDescription(
		"Add months to an existing subscription. Lapsed subscriptions restart from now."),
	mcp.WithNumber("token_id",
		mcp.Required(),
		mcp.Description("Subscription token id")),
	mcp.WithNumber("months",
		mcp.Required(),
		mcp.Description("Number of months to add")),
	mcp.WithString("value",
		mcp.Required(),
		mcp.Description("Payment in wei, as a decimal string")),
	mcp.WithString("tx_hash",
		mcp.Description("Payment transaction hash (0x...)")),
)

var ToolTransfer = mcp.NewTool("transfer",
	mcp.WithDescription("Give one of your subscriptions to another address."),
	mcp.WithNumber("token_id",
		mcp.Required(),
		mcp.Description("Subscription token id")),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Recipient address")),
)
