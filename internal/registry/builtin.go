package registry

import (
	"context"
	"log/slog"
)

// WithBuiltins registers the trivial workflows shipped with the engine.
// Real deployments register their own workflows; these exist so the CLI can
// exercise a DAG end to end without external code.
func WithBuiltins(r *Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	_ = r.Register("log", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		logger.InfoContext(ctx, "log workflow invoked", slog.Int("param_count", len(params)))
		return map[string]any{"logged": len(params)}, nil
	})
	_ = r.Register("passthrough", func(_ context.Context, params map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	})
	return r
}
