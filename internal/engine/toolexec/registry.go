// Package toolexec plans, validates, and executes the tool calls emitted by
// the turn engine.
//
// A [Registry] holds every tool a call may invoke: in-process Go functions
// registered directly, and remote tools discovered from MCP servers over
// stdio or streamable-HTTP transports (github.com/modelcontextprotocol/go-sdk)
// and mounted behind the same [Handler] signature. Each entry carries the
// execution policy the [Executor] enforces: class (read, side_effect,
// capture), permission, timeout, retry limit, and an optional fallback tool
// used while the entry's circuit breaker is open.
//
// The [Executor] runs the full pipeline for one planned call: structural
// argument validation, idempotency reservation for side-effect tools,
// per-interaction budget, circuit breaker, the handler itself with retries,
// and an audit row written before the response is handed back to the model.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/routatel/trunkline/pkg/types"
)

// Class partitions tools by execution policy.
type Class string

const (
	// ClassRead marks tools without externally visible effects. They skip
	// idempotency reservation and may be retried freely.
	ClassRead Class = "read"

	// ClassSideEffect marks tools whose execution changes external state.
	// Each call reserves its idempotency key before running.
	ClassSideEffect Class = "side_effect"

	// ClassCapture marks tools that arm asynchronous input capture (digit
	// collection). Capture tools never retry.
	ClassCapture Class = "capture"
)

// Handler executes one tool call. args is a JSON object string ("{}" for
// parameter-less tools). A non-nil error marks the invocation failed.
type Handler func(ctx context.Context, args string) (string, error)

// Tool is one registry entry: the descriptor shown to the model plus the
// policy the executor applies when the model calls it.
type Tool struct {
	// Definition is the descriptor offered to the LLM.
	Definition types.ToolDefinition

	// Class selects the execution policy. Defaults to [ClassRead].
	Class Class

	// Permission is "read" or "write". Defaults from Class: read tools get
	// "read", everything else "write".
	Permission string

	// Fallback names the tool invoked in this tool's place while its
	// circuit breaker is open. Empty means no reroute.
	Fallback string

	// TimeoutMs bounds one handler attempt. Zero falls back to the
	// definition's MaxDurationMs, then to the executor default.
	TimeoutMs int

	// RetryLimit is the number of re-attempts after a failed handler call.
	// Capture tools are pinned to zero regardless of this value.
	RetryLimit int

	// Handler runs the tool.
	Handler Handler

	// server is the MCP server this tool was discovered from; empty for
	// in-process tools.
	server string
}

// Transport selects how an MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

func (t Transport) valid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to mount into the registry.
type ServerConfig struct {
	// Name identifies the server; remounting the same name replaces the
	// previous connection and its tools.
	Name string

	// Transport selects stdio or streamable-HTTP.
	Transport Transport

	// Command is the stdio executable and arguments, split on spaces.
	Command string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// URL is the streamable-HTTP endpoint.
	URL string

	// Class applies to every tool discovered from this server. Defaults to
	// [ClassRead]; remote servers that mutate state must say so.
	Class Class

	// RetryLimit applies to every discovered tool.
	RetryLimit int

	// TimeoutMs applies to every discovered tool. Zero keeps the latency
	// hints the server declares, then the executor default.
	TimeoutMs int
}

// Registry is the concurrent-safe tool catalogue for one scope. The process
// holds a base registry with shared tools; each call session copies it with
// [Registry.AddFrom] and layers its call-bound tools on top.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	servers map[string]*mcpsdk.ClientSession

	// client is reused across server connections; the SDK client manages
	// multiple sessions concurrently.
	client *mcpsdk.Client
}

// NewRegistry returns an empty registry ready for Register and MountServer.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "trunkline", Version: "1.0.0"},
			nil,
		),
	}
}

// Register adds an in-process tool, replacing any entry with the same name.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("toolexec: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("toolexec: tool %q must have a non-nil handler", t.Definition.Name)
	}
	normalize(&t)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
	return nil
}

// normalize fills policy defaults in place.
func normalize(t *Tool) {
	if t.Class == "" {
		t.Class = ClassRead
	}
	if t.Permission == "" {
		if t.Class == ClassRead {
			t.Permission = "read"
		} else {
			t.Permission = "write"
		}
	}
	if t.Class == ClassCapture {
		t.RetryLimit = 0
	}
	if t.RetryLimit < 0 {
		t.RetryLimit = 0
	}
}

// MountServer connects to the MCP server described by cfg and imports its
// tool catalogue. A server already mounted under the same name is closed and
// replaced along with its tools.
func (r *Registry) MountServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolexec: server config must have a non-empty name")
	}
	if !cfg.Transport.valid() {
		return fmt.Errorf("toolexec: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolexec: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolexec: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolexec: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolexec: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range r.tools {
			if t.server == cfg.Name {
				delete(r.tools, name)
			}
		}
	}
	r.servers[cfg.Name] = session

	for _, mcpTool := range discovered {
		t := r.remoteTool(mcpTool, cfg)
		r.tools[t.Definition.Name] = t
	}
	return nil
}

// remoteTool converts one discovered MCP tool into a registry entry whose
// handler routes through the server session.
func (r *Registry) remoteTool(mcpTool mcpsdk.Tool, cfg ServerConfig) Tool {
	schema := schemaToMap(mcpTool.InputSchema)
	p50, maxMs := latencyHints(mcpTool, schema)

	t := Tool{
		Definition: types.ToolDefinition{
			Name:                mcpTool.Name,
			Description:         mcpTool.Description,
			Parameters:          schema,
			EstimatedDurationMs: p50,
			MaxDurationMs:       maxMs,
		},
		Class:      cfg.Class,
		RetryLimit: cfg.RetryLimit,
		TimeoutMs:  cfg.TimeoutMs,
		Handler:    r.remoteHandler(cfg.Name, mcpTool.Name),
		server:     cfg.Name,
	}
	normalize(&t)
	return t
}

// remoteHandler resolves the server session at call time so a remounted
// server picks up the new connection.
func (r *Registry) remoteHandler(server, tool string) Handler {
	return func(ctx context.Context, args string) (string, error) {
		r.mu.RLock()
		session, ok := r.servers[server]
		r.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("toolexec: server %q not mounted for tool %q", server, tool)
		}

		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("toolexec: invalid args JSON for tool %q: %w", tool, err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("toolexec: call to tool %q: %w", tool, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("toolexec: tool %q reported an error: %s", tool, sb.String())
		}
		return sb.String(), nil
	}
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// AddFrom copies every tool from src that this registry does not already
// hold. Remote handlers keep routing through src's server sessions.
func (r *Registry) AddFrom(src *Registry) {
	src.mu.RLock()
	entries := make([]Tool, 0, len(src.tools))
	for _, t := range src.tools {
		entries = append(entries, t)
	}
	src.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range entries {
		if _, exists := r.tools[t.Definition.Name]; !exists {
			r.tools[t.Definition.Name] = t
		}
	}
}

// Definitions returns every tool descriptor, fastest declared latency first.
// This is the list offered to the model on each completion request.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].EstimatedDurationMs != defs[j].EstimatedDurationMs {
			return defs[i].EstimatedDurationMs < defs[j].EstimatedDurationMs
		}
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Close shuts down all mounted server sessions and clears the catalogue.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, session := range r.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolexec: closing server %q: %w", name, err)
		}
		delete(r.servers, name)
	}
	r.tools = make(map[string]Tool)
	return firstErr
}

// latencyHints reads declared latency estimates from a remote tool: first the
// _metadata property of its input schema, then a JSON blob embedded in its
// description.
func latencyHints(t mcpsdk.Tool, schema map[string]any) (p50Ms, maxMs int) {
	if props, ok := schema["properties"].(map[string]any); ok {
		if meta, ok := props["_metadata"].(map[string]any); ok {
			p50Ms = intFromAny(meta["estimated_duration_ms"])
			maxMs = intFromAny(meta["max_duration_ms"])
		}
	}
	if p50Ms == 0 {
		start := strings.Index(t.Description, "{")
		end := strings.LastIndex(t.Description, "}")
		if start >= 0 && end > start {
			var m map[string]any
			if err := json.Unmarshal([]byte(t.Description[start:end+1]), &m); err == nil {
				p50Ms = intFromAny(m["estimated_duration_ms"])
				maxMs = intFromAny(m["max_duration_ms"])
			}
		}
	}
	return p50Ms, maxMs
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

// schemaToMap converts any schema value to a map[string]any, round-tripping
// through JSON when needed.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar","baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
