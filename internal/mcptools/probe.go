// Package mcptools probes the MCP servers from a Claude CLI MCP config
// and reports which of their tools the reply engine is allowed to use.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ServerConfig is one entry of the mcpServers block in a Claude CLI
// MCP config file.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

type mcpConfigFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ToolInfo is one discovered tool with its allowlist verdict.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	Allowed     bool
}

// Probe connects to MCP servers over stdio and lists their tools.
type Probe struct {
	allowed    []string
	disallowed []string
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates a probe that judges tools against the runner allowlists.
func New(allowed, disallowed []string, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		allowed:    allowed,
		disallowed: disallowed,
		timeout:    5 * time.Second,
		logger:     logger,
	}
}

// LoadConfig parses a Claude CLI MCP config file.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var cfg mcpConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}
	return cfg.MCPServers, nil
}

// ProbeAll connects to each server in turn and collects its tools.
// A server that fails to connect is logged and skipped.
func (p *Probe) ProbeAll(ctx context.Context, servers map[string]ServerConfig) []ToolInfo {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var all []ToolInfo
	for _, name := range names {
		tools, err := p.probeServer(ctx, name, servers[name])
		if err != nil {
			p.logger.Warn("mcp server probe failed",
				zap.String("server", name),
				zap.Error(err))
			continue
		}
		all = append(all, tools...)
	}
	return all
}

func (p *Probe) probeServer(ctx context.Context, name string, config ServerConfig) ([]ToolInfo, error) {
	env := make([]string, 0, len(config.Env))
	for k, v := range config.Env {
		env = append(env, k+"="+v)
	}

	// NewStdioMCPClient launches the server process and starts the client.
	mcpClient, err := client.NewStdioMCPClient(config.Command, env, config.Args...)
	if err != nil {
		return nil, fmt.Errorf("start client for %s: %w", name, err)
	}
	defer mcpClient.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "autoreply",
		Version: "1.0.0",
	}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}

	listCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := mcpClient.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools for %s: %w", name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, tool := range result.Tools {
		full := fmt.Sprintf("mcp__%s__%s", name, tool.Name)
		tools = append(tools, ToolInfo{
			Server:      name,
			Name:        tool.Name,
			Description: tool.Description,
			Allowed:     p.Allowed(full),
		})
	}
	p.logger.Info("mcp server probed",
		zap.String("server", name),
		zap.Int("tools", len(tools)))
	return tools, nil
}

// Allowed reports whether a fully qualified tool name would be usable
// by the reply engine. Disallow patterns win over allow entries, and
// trailing "*" wildcards match prefixes, the way the CLI treats them.
func (p *Probe) Allowed(fullName string) bool {
	for _, pattern := range p.disallowed {
		if matchTool(pattern, fullName) {
			return false
		}
	}
	for _, pattern := range p.allowed {
		if matchTool(pattern, fullName) {
			return true
		}
	}
	return false
}

func matchTool(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
