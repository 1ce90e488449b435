//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newClockEngine returns an engine whose clock is fixed at the given UTC time.
func newClockEngine(at time.Time, loc *time.Location) *Engine {
	return &Engine{
		logger:    testLogger(),
		systemCfg: SystemConfig{Location: loc},
		now:       func() time.Time { return at },
	}
}

func TestSystemDatetime(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) // a Saturday
	e := newClockEngine(at, time.UTC)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(15)},
		{"minute", lua.LNumber(9)},
		{"second", lua.LNumber(26)},
		{"weekday", lua.LNumber(6)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"timestamp", lua.LNumber(at.Unix())},
		{"time_str", lua.LString("15:09:26")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			L := lua.NewState()
			defer L.Close()
			registerSystemModule(L, e)

			L.SetGlobal("_comp", lua.LString(tt.component))
			if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newClockEngine(time.Now(), nil))

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemDatetimeLocation(t *testing.T) {
	at := time.Date(2026, 1, 10, 23, 30, 0, 0, time.UTC)
	e := newClockEngine(at, time.FixedZone("UTC+2", 2*60*60))

	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, e)

	if err := L.DoString(`_hour = system.datetime("hour"); _date = system.datetime("date_str")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_hour"); got != lua.LNumber(1) {
		t.Errorf("hour = %v, want 1", got)
	}
	if got := L.GetGlobal("_date"); got != lua.LString("2026-01-11") {
		t.Errorf("date = %v, want 2026-01-11", got)
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		name     string
		hour     int
		from, to int
		want     bool
	}{
		{"inside normal range", 14, 8, 22, true},
		{"at start", 8, 8, 22, true},
		{"at end is outside", 22, 8, 22, false},
		{"before normal range", 6, 8, 22, false},
		{"wrap late evening", 23, 22, 6, true},
		{"wrap early morning", 3, 22, 6, true},
		{"wrap outside", 12, 22, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2026, 5, 1, tt.hour, 15, 0, 0, time.UTC)
			L := lua.NewState()
			defer L.Close()
			registerSystemModule(L, newClockEngine(at, time.UTC))

			L.SetGlobal("_from", lua.LNumber(tt.from))
			L.SetGlobal("_to", lua.LNumber(tt.to))
			if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result") == lua.LTrue; got != tt.want {
				t.Errorf("time_between(%d, %d) at %d = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
			}
		})
	}
}

func TestSystemLogLevels(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newClockEngine(time.Now(), nil))

	for _, level := range []string{"debug", "info", "warn", "error", "other"} {
		L.SetGlobal("_level", lua.LString(level))
		if err := L.DoString(`system.log(_level, "message")`); err != nil {
			t.Errorf("system.log(%q): %v", level, err)
		}
	}
}
