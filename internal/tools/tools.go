// Package tools implements the function-calling collaborator of a realtime
// session. A [Registry] holds in-process built-in tools and tools discovered
// on MCP servers (stdio or streamable HTTP, via the official MCP Go SDK), and
// dispatches the model's function calls to them.
//
// Every tool runs behind its own [resilience.CircuitBreaker], so a tool
// server that keeps failing is skipped quickly instead of stalling each turn.
//
// Typical usage:
//
//	r := tools.NewRegistry(tools.WithMetrics(observe.DefaultMetrics()))
//	_ = r.RegisterBuiltin(tools.GetWeather())
//	err := r.RegisterServer(ctx, tools.ServerConfig{
//	    Name:      "calendar",
//	    Transport: tools.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-calendar",
//	})
//	sess := realtime.NewSession(conn, capture, queue, realtime.WithTools(r))
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/resilience"
	"github.com/MrWong99/duplex/pkg/realtime"
)

// ErrUnknownTool is returned by [Registry.Call] for names that are not
// registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ToolError is a failure reported by the tool itself, as opposed to a
// transport or protocol failure. It does not count against the breaker.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks MCP over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP uses the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is the executable and its arguments, split on whitespace. Stdio
	// only.
	Command string

	// Env is added to the inherited environment. Stdio only.
	Env map[string]string

	// URL is the endpoint. Streamable HTTP only.
	URL string
}

// BuiltinTool is a tool implemented as an in-process Go function.
type BuiltinTool struct {
	Definition realtime.Tool

	// Handler receives the decoded argument object, never nil.
	Handler func(ctx context.Context, args map[string]any) (string, error)
}

const (
	builtinServerName  = "__builtin__"
	defaultCallTimeout = 30 * time.Second
)

type entry struct {
	def     realtime.Tool
	server  string
	call    func(ctx context.Context, args map[string]any) (string, error)
	breaker *resilience.CircuitBreaker
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [NewRegistry].
type Option func(*Registry)

// WithMetrics records every call in [observe.Metrics.ToolCalls] and
// [observe.Metrics.ToolDuration].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBreaker sets the failure threshold and open period of the per-tool
// circuit breakers. Zero values keep the [resilience] defaults.
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(r *Registry) {
		r.breaker.MaxFailures = maxFailures
		r.breaker.ResetTimeout = resetTimeout
	}
}

// WithCallTimeout bounds each tool call. Default: 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

var _ realtime.ToolDispatcher = (*Registry)(nil)

// Registry is a concurrency-safe tool catalogue. It implements
// [realtime.ToolDispatcher]. Create instances with [NewRegistry].
type Registry struct {
	client  *mcpsdk.Client
	metrics *observe.Metrics
	breaker resilience.Config
	timeout time.Duration

	mu      sync.RWMutex
	tools   map[string]*entry
	servers map[string]*mcpsdk.ClientSession
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		client:  mcpsdk.NewClient(&mcpsdk.Implementation{Name: "duplex", Version: "1.0.0"}, nil),
		timeout: defaultCallTimeout,
		tools:   make(map[string]*entry),
		servers: make(map[string]*mcpsdk.ClientSession),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterBuiltin adds or replaces an in-process tool.
func (r *Registry) RegisterBuiltin(t BuiltinTool) error {
	if t.Definition.Name == "" {
		return errors.New("tools: builtin tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: builtin tool %q must have a non-nil handler", t.Definition.Name)
	}
	def := t.Definition
	if def.Type == "" {
		def.Type = "function"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(&entry{def: def, server: builtinServerName, call: t.Handler})
	return nil
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. A server registered again under the same name replaces the
// previous connection and its tools.
func (r *Registry) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("tools: server config must have a non-empty name")
	}
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", cfg.Name)
		}
		// The subprocess lives as long as the session, not the registration ctx.
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return r.RegisterTransport(ctx, cfg.Name, transport)
}

// RegisterTransport connects to an MCP server over an established transport,
// such as an in-memory one, under the given server name.
func (r *Registry) RegisterTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.servers[name]; ok {
		_ = old.Close()
		r.dropServerLocked(name)
	}
	r.servers[name] = session
	for _, t := range discovered {
		toolName := t.Name
		r.putLocked(&entry{
			def:    realtime.NewFunctionTool(toolName, t.Description, schemaToMap(t.InputSchema)),
			server: name,
			call: func(ctx context.Context, args map[string]any) (string, error) {
				return callRemote(ctx, session, toolName, args)
			},
		})
	}
	slog.Info("mcp server registered", "server", name, "tools", len(discovered))
	return nil
}

// Tools returns the declared tools sorted by name.
func (r *Registry) Tools() []realtime.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]realtime.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	slices.SortFunc(out, func(a, b realtime.Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Call runs the named tool with JSON-encoded arguments. Arguments must be a
// JSON object or empty. Failures reported by the tool come back as
// [*ToolError]; an open breaker as [resilience.ErrCircuitOpen].
func (r *Registry) Call(ctx context.Context, name, arguments string) (_ string, err error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	ctx, span := observe.StartSpan(ctx, "tool.call",
		trace.WithAttributes(attribute.String("tool.name", name), attribute.String("tool.server", e.server)))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observe.Logger(ctx).Debug("tool call failed", "tool", name, "err", err)
		}
	}()

	start := time.Now()
	args, err := decodeArgs(arguments)
	if err != nil {
		r.record(ctx, name, "invalid_args", start)
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		out     string
		toolErr *ToolError
	)
	err = e.breaker.Execute(ctx, func(ctx context.Context) error {
		res, err := e.call(ctx, args)
		if errors.As(err, &toolErr) {
			return nil
		}
		out = res
		return err
	})

	switch {
	case toolErr != nil:
		r.record(ctx, name, "tool_error", start)
		return "", toolErr
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.record(ctx, name, "circuit_open", start)
		return "", err
	case err != nil:
		r.record(ctx, name, "error", start)
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	r.record(ctx, name, "ok", start)
	return out, nil
}

// Close disconnects every MCP server and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tools: close server %q: %w", name, err))
		}
	}
	clear(r.servers)
	clear(r.tools)
	return errors.Join(errs...)
}

// ── internals ────────────────────────────────────────────────────────────────

// putLocked installs e with a fresh breaker. Must be called with r.mu held.
func (r *Registry) putLocked(e *entry) {
	if old, ok := r.tools[e.def.Name]; ok && old.server != e.server {
		slog.Warn("tool name registered twice, keeping the newer",
			"tool", e.def.Name, "old_server", old.server, "new_server", e.server)
	}
	cfg := r.breaker
	cfg.Name = "tool:" + e.def.Name
	e.breaker = resilience.NewCircuitBreaker(cfg)
	r.tools[e.def.Name] = e
}

func (r *Registry) dropServerLocked(server string) {
	for name, e := range r.tools {
		if e.server == server {
			delete(r.tools, name)
		}
	}
}

func (r *Registry) record(ctx context.Context, tool, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordToolCall(ctx, tool, status, time.Since(start))
}

func callRemote(ctx context.Context, session *mcpsdk.ClientSession, name string, args map[string]any) (string, error) {
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", &ToolError{Tool: name, Message: sb.String()}
	}
	return sb.String(), nil
}

func decodeArgs(arguments string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(arguments) == "" {
		return args, nil
	}
	if err := sonic.UnmarshalString(arguments, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// schemaToMap normalises whatever the SDK decoded the input schema into.
func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	if schema == nil {
		return nil
	}
	data, err := sonic.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
