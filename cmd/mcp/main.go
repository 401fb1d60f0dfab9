// tierpass MCP server - exposes the subscription book as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tierpass/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:     envOrDefault("TIERPASS_API_URL", "http://localhost:8080"),
		PrivateKey: os.Getenv("TIERPASS_PRIVATE_KEY"),
	}
	if cfg.PrivateKey == "" {
		fmt.Fprintln(os.Stderr, "TIERPASS_PRIVATE_KEY not set, serving read-only tools")
	}

	s, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server config error: %v\n", err)
		os.Exit(1)
	}
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
