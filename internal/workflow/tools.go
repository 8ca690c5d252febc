package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/config"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

// ToolCall is one TOOL step invocation. IdempotencyKey is stable for a
// (run, step) pair so tools can deduplicate retries.
type ToolCall struct {
	Name           string                 `json:"tool"`
	Input          map[string]interface{} `json:"input"`
	IdempotencyKey string                 `json:"idempotency_key"`
	TenantID       string                 `json:"tenant_id"`
	RunID          string                 `json:"run_id"`
}

// ToolInvoker runs tools on behalf of the interpreter.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) (interface{}, error)
}

// ToolFunc adapts a function to a single tool.
type ToolFunc func(ctx context.Context, call ToolCall) (interface{}, error)

func (f ToolFunc) Invoke(ctx context.Context, call ToolCall) (interface{}, error) {
	return f(ctx, call)
}

// ErrUnknownTool is returned for calls to unregistered tools.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

// Tools dispatches calls by tool name.
type Tools struct {
	mu    sync.RWMutex
	tools map[string]ToolInvoker
}

func NewTools() *Tools {
	return &Tools{tools: make(map[string]ToolInvoker)}
}

// NewToolsFromConfig registers an HTTPTool per configured tool.
func NewToolsFromConfig(cfgs []config.ToolConfig, logger *zap.Logger) *Tools {
	t := NewTools()
	for _, c := range cfgs {
		t.Register(c.Name, NewHTTPTool(c, logger))
	}
	return t
}

func (t *Tools) Register(name string, inv ToolInvoker) {
	t.mu.Lock()
	t.tools[name] = inv
	t.mu.Unlock()
}

func (t *Tools) Invoke(ctx context.Context, call ToolCall) (interface{}, error) {
	t.mu.RLock()
	inv, ok := t.tools[call.Name]
	t.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownTool{Name: call.Name}
	}
	return inv.Invoke(ctx, call)
}

// HTTPTool posts the call as JSON to a configured endpoint and decodes the
// JSON response as the step output.
type HTTPTool struct {
	cfg    config.ToolConfig
	client *circuitbreaker.HTTPWrapper
}

func NewHTTPTool(cfg config.ToolConfig, logger *zap.Logger) *HTTPTool {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	client := &http.Client{Timeout: timeout}
	return &HTTPTool{cfg: cfg, client: circuitbreaker.NewHTTPWrapper(client, "tool-"+cfg.Name, "tool", logger)}
}

func (h *HTTPTool) Invoke(ctx context.Context, call ToolCall) (interface{}, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartHTTPSpan(ctx, h.cfg.Method, h.cfg.URL)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(h.cfg.Method), h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", call.IdempotencyKey)
	req.Header.Set("X-Tenant-ID", call.TenantID)
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := h.client.Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %s returned HTTP %d: %s", call.Name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tool %s returned invalid JSON: %w", call.Name, err)
	}
	return out, nil
}
