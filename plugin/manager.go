package plugin

import (
	"context"
	"fmt"
	"log/slog"
)

// RejectedError is returned by RunBefore when a plugin rejects a request.
type RejectedError struct {
	Plugin string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("request rejected by %s: %s", e.Plugin, e.Reason)
}

// Manager manages plugin lifecycle and execution.
type Manager struct {
	before []Plugin
	after  []Plugin
	onErr  []Plugin
}

// NewManager creates a new plugin manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register registers a plugin at the given stage.
func (m *Manager) Register(stage Stage, p Plugin) error {
	switch stage {
	case StageBeforeRequest:
		m.before = append(m.before, p)
	case StageAfterRequest:
		m.after = append(m.after, p)
	case StageOnError:
		m.onErr = append(m.onErr, p)
	default:
		return fmt.Errorf("unknown plugin stage: %s", stage)
	}
	slog.Info("plugin registered", "name", p.Name(), "type", p.Type(), "stage", stage)
	return nil
}

// RunBefore executes all before-request plugins. A rejection is returned
// as *RejectedError.
func (m *Manager) RunBefore(ctx context.Context, pctx *Context) error {
	for _, p := range m.before {
		if err := p.Execute(ctx, pctx); err != nil {
			return fmt.Errorf("plugin %s failed: %w", p.Name(), err)
		}
		if pctx.Reject {
			return &RejectedError{Plugin: p.Name(), Reason: pctx.Reason}
		}
		if pctx.Skip {
			break
		}
	}
	return nil
}

// RunAfter executes all after-request plugins. Errors are logged, never
// returned: the completion has already been produced.
func (m *Manager) RunAfter(ctx context.Context, pctx *Context) {
	for _, p := range m.after {
		if err := p.Execute(ctx, pctx); err != nil {
			slog.Warn("after-request plugin error", "plugin", p.Name(), "error", err)
		}
		if pctx.Skip {
			break
		}
	}
}

// RunOnError executes all on-error plugins.
func (m *Manager) RunOnError(ctx context.Context, pctx *Context) {
	for _, p := range m.onErr {
		if err := p.Execute(ctx, pctx); err != nil {
			slog.Warn("on-error plugin error", "plugin", p.Name(), "error", err)
		}
	}
}

// HasPlugins returns true if any plugins are registered.
func (m *Manager) HasPlugins() bool {
	return len(m.before)+len(m.after)+len(m.onErr) > 0
}

// Close releases resources held by plugins implementing io.Closer.
func (m *Manager) Close() error {
	var first error
	seen := map[Plugin]bool{}
	for _, list := range [][]Plugin{m.before, m.after, m.onErr} {
		for _, p := range list {
			c, ok := p.(interface{ Close() error })
			if !ok || seen[p] {
				continue
			}
			seen[p] = true
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
