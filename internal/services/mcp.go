package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

// mcpService is one config-declared service backed by an MCP server.
// The connection is established on first use and reused; a failed call
// drops it so the next call reconnects.
type mcpService struct {
	name string
	cfg  config.MCPConfig

	mu     sync.Mutex
	client *mcpclient.Client
}

// NewMCPHandler builds the handler for a service whose config block
// names an MCP server (stdio command or HTTP URL).
func NewMCPHandler(name string, cfg config.MCPConfig) Handler {
	s := &mcpService{name: name, cfg: cfg}
	return s.call
}

// RegisterConfigured registers an MCP-backed handler for every service
// in the config that declares one.
func RegisterConfigured(reg *Registry, services map[string]config.ServiceConfig) {
	for name, sc := range services {
		if sc.MCP == nil {
			continue
		}
		reg.Register(name, NewMCPHandler(name, *sc.MCP))
		slog.Info("service registered", "service", name, "backend", "mcp")
	}
}

func (s *mcpService) call(ctx context.Context, req *wire.TaskRequest) (any, error) {
	client, err := s.ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.name, err)
	}

	tool := s.cfg.Tool
	if tool == "" {
		tool = s.name
	}

	args := map[string]any{}
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &args); err != nil {
			return nil, fmt.Errorf("service %s: arguments must be a JSON object: %w", s.name, err)
		}
	}

	callReq := mcpgo.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args

	res, err := client.CallTool(ctx, callReq)
	if err != nil {
		s.drop()
		return nil, fmt.Errorf("service %s: %w", s.name, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("service %s: %s", s.name, flattenContent(res.Content))
	}

	// A single text block unwraps to a string; anything richer passes
	// through as-is.
	if text := flattenContent(res.Content); text != "" {
		return text, nil
	}
	return res.Content, nil
}

// ensure returns a connected, initialized client.
func (s *mcpService) ensure(ctx context.Context) (*mcpclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *mcpService) connect(ctx context.Context) (*mcpclient.Client, error) {
	var (
		client *mcpclient.Client
		err    error
	)
	switch {
	case s.cfg.Command != "":
		client, err = mcpclient.NewStdioMCPClient(s.cfg.Command, nil, s.cfg.Args...)
	case strings.HasSuffix(s.cfg.URL, "/sse"):
		client, err = mcpclient.NewSSEMCPClient(s.cfg.URL)
	case s.cfg.URL != "":
		client, err = mcpclient.NewStreamableHttpClient(s.cfg.URL)
	default:
		return nil, fmt.Errorf("service %s: mcp config needs a command or url", s.name)
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// stdio starts with the process; HTTP transports need an explicit
	// Start before the handshake.
	if s.cfg.Command == "" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "warden", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	slog.Info("mcp service connected", "service", s.name)
	return client, nil
}

func (s *mcpService) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
