package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all tierpass tools registered.
// Mutating tools are only registered when a signing key is configured.
func NewMCPServer(cfg Config) (*server.MCPServer, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	h := NewHandlers(client)

	s := server.NewMCPServer("tierpass", Version)

	s.AddTool(ToolListTiers, h.HandleListTiers)
	s.AddTool(ToolGetTier, h.HandleGetTier)
	s.AddTool(ToolQuote, h.HandleQuote)
	s.AddTool(ToolGetSubscription, h.HandleGetSubscription)
	s.AddTool(ToolHeldBy, h.HandleHeldBy)
	s.AddTool(ToolListEvents, h.HandleListEvents)

	if _, ok := client.Address(); ok {
		s.AddTool(ToolMint, h.HandleMint)
		s.AddTool(ToolExtend, h.HandleExtend)
		s.AddTool(ToolTransfer, h.HandleTransfer)
	}

	return s, nil
}
