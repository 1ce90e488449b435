//go:build !no_automation

package automation

import "errors"

// ErrInvalidScript is returned for bad script IDs and Lua that does not parse.
var ErrInvalidScript = errors.New("invalid script")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation stored on disk as <id>.lua. The first line
// is a Lua comment holding the JSON metadata.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
