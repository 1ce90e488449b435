//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:        "Evening Close",
			Description: "Close the kitchen blind at dusk",
			Enabled:     true,
		},
		LuaCode: `rf.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "evening_close" {
		t.Errorf("id = %q, want evening_close", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `rf.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		ID:      "my_script",
		Meta:    ScriptMeta{Name: "My Script", Enabled: true},
		LuaCode: `rf.log("v1")`,
	})
	if err != nil {
		t.Fatal(err)
	}

	saved.LuaCode = `rf.log("v2")`
	if _, err := m.Save(saved); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("my_script")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, `rf.log("v2")`) {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerRejectsBadScripts(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name string
		s    *Script
	}{
		{"syntax error", &Script{Meta: ScriptMeta{Name: "broken"}, LuaCode: `rf.on("remote_command", function(e)`}},
		{"path id", &Script{ID: "../escape", LuaCode: `rf.log("x")`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Save(tt.s); !errors.Is(err, ErrInvalidScript) {
				t.Errorf("got %v, want ErrInvalidScript", err)
			}
		})
	}

	scripts, _ := m.List()
	if len(scripts) != 0 {
		t.Errorf("rejected scripts written: %d", len(scripts))
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)

	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{
			Meta:    ScriptMeta{Name: name, Enabled: true},
			LuaCode: `rf.log("` + name + `")`,
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-script files are ignored.
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "ToDelete", Enabled: true},
		LuaCode: `rf.log("bye")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("get after delete = %v, want ErrNotExist", err)
	}
	if err := m.Delete("../x"); !errors.Is(err, ErrInvalidScript) {
		t.Errorf("delete bad id = %v", err)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `rf.log("d")`})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "dup,dup_1,dup_2" {
		t.Errorf("ids = %v", ids)
	}

	s, err := m.Save(&Script{LuaCode: `rf.log("anon")`})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "script" {
		t.Errorf("unnamed id = %q", s.ID)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Kitchen Remote","description":"Mirror the kitchen remote","enabled":true}

rf.on("remote_command", {remote="brel-00abcd:01", action="up"}, function(event)
    rf.set_state("Living Room", "up")
end)
`
	path := filepath.Join(dir, "kitchen.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "kitchen" {
		t.Errorf("id = %q, want kitchen", s.ID)
	}
	want := ScriptMeta{Name: "Kitchen Remote", Description: "Mirror the kitchen remote", Enabled: true}
	if s.Meta != want {
		t.Errorf("meta = %+v", s.Meta)
	}
	if !strings.HasPrefix(s.LuaCode, `rf.on("remote_command"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptFileWithoutMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	os.WriteFile(path, []byte("rf.log(\"plain\")\n"), 0o644)

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != "rf.log(\"plain\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `rf.log("hi")`,
	})
	want := "-- {\"name\":\"Test\",\"enabled\":true}\n\nrf.log(\"hi\")\n"
	if content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Evening Close", "evening_close"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
