//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"rfblinds-go-home/internal/coordinator"
)

// ErrInvalidScript is returned for bad script IDs and Lua that does not parse.
var ErrInvalidScript = errors.New("invalid script")

// ErrDisabled is returned by every script operation in this build.
var ErrDisabled = errors.New("automation disabled")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// SystemConfig holds configuration for the system Lua module (stub).
type SystemConfig struct {
	Location *time.Location
}

// CheckSyntax always fails when automation is disabled.
func CheckSyntax(_ string) error { return ErrDisabled }

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a no-op manager.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

// Dir returns an empty path.
func (m *Manager) Dir() string { return "" }

// List returns no scripts.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get returns ErrDisabled.
func (m *Manager) Get(_ string) (*Script, error) { return nil, ErrDisabled }

// Save returns ErrDisabled.
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, ErrDisabled }

// Delete returns ErrDisabled.
func (m *Manager) Delete(_ string) error { return ErrDisabled }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ *coordinator.Coordinator, _ *Manager, _ *slog.Logger, _ SystemConfig) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Running returns zero.
func (e *Engine) Running() int { return 0 }

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}

// RunScript returns a stub result.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: ErrDisabled.Error()}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: ErrDisabled.Error()}
}
