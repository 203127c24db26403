// Package actions holds the built-in action handlers every deployment
// gets out of the box. Domain-specific handlers are registered by the
// embedding application on top of these.
package actions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Glacestorm/automation-engine/internal/orchestrator"
)

const maxResponseBytes = 64 << 10

// RegisterBuiltins registers the built-in handlers on a registry.
func RegisterBuiltins(reg *orchestrator.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	handlers := map[string]orchestrator.ActionHandler{
		"echo":         echoHandler,
		"log":          logHandler(logger),
		"sleep":        sleepHandler,
		"http_request": httpRequestHandler(&http.Client{Timeout: 30 * time.Second}),
	}
	for name, h := range handlers {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// echoHandler returns its input unchanged. Useful for wiring tests and
// manual-gate steps that only carry data forward.
func echoHandler(_ context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

func logHandler(logger *slog.Logger) orchestrator.ActionHandler {
	return func(_ context.Context, input map[string]any) (map[string]any, error) {
		msg, _ := input["message"].(string)
		if msg == "" {
			msg = "action log"
		}
		logger.Info(msg, "input", input)
		return nil, nil
	}
}

// sleepHandler waits for duration_ms, honoring cancellation.
func sleepHandler(ctx context.Context, input map[string]any) (map[string]any, error) {
	ms, ok := numeric(input["duration_ms"])
	if !ok || ms < 0 {
		return nil, fmt.Errorf("sleep: duration_ms is required")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"slept_ms": ms}, nil
	}
}

func httpRequestHandler(client *http.Client) orchestrator.ActionHandler {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		url, _ := input["url"].(string)
		if url == "" {
			return nil, fmt.Errorf("http_request: url is required")
		}
		method, _ := input["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if raw, ok := input["body"].(string); ok && raw != "" {
			body = strings.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
		if err != nil {
			return nil, fmt.Errorf("http_request: %w", err)
		}
		if headers, ok := input["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http_request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("http_request: read body: %w", err)
		}

		out := map[string]any{
			"status_code": resp.StatusCode,
			"body":        string(data),
		}
		if resp.StatusCode >= 400 {
			return out, fmt.Errorf("http_request: %s returned %d", url, resp.StatusCode)
		}
		return out, nil
	}
}

// numeric coerces the JSON number shapes that survive decoding.
func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
