//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"

	lua "github.com/yuin/gopher-lua"
)

// registerRFModule registers the `rf` global table in a Lua state.
func registerRFModule(L *lua.LState, vm *scriptVM, e *Engine) {
	funcs := map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return rfOn(L, vm, e) },
		"set_state": func(L *lua.LState) int { return rfSetState(L, vm, e) },
		"tilt":      func(L *lua.LState) int { return rfTilt(L, vm, e) },
		"my":        func(L *lua.LState) int { return rfMy(L, vm, e) },
		"get_state": func(L *lua.LState) int { return rfGetState(L, e) },
		"devices":   func(L *lua.LState) int { return rfDevices(L, e) },
		"after":     func(L *lua.LState) int { return rfAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return rfLog(L, e) },
	}
	mod := L.NewTable()
	for name, fn := range funcs {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("rf", mod)
}

const maxHandlersPerScript = 100

// rf.on(type, [filter], callback). The filter table may hold device,
// remote and action; a device given by name is resolved to its ID.
func rfOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	eventType := L.CheckString(1)

	var filter *lua.LTable
	var fn *lua.LFunction
	if L.GetTop() >= 3 {
		filter = L.CheckTable(2)
		fn = L.CheckFunction(3)
	} else {
		fn = L.CheckFunction(2)
	}

	h := luaEventHandler{eventType: eventType, fn: fn}
	if filter != nil {
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
			if dev := resolveDevice(e, h.device); dev != nil {
				h.device = dev.ID
			}
		}
		if v := filter.RawGetString("remote"); v != lua.LNil {
			h.remote = v.String()
		}
		if v := filter.RawGetString("action"); v != lua.LNil {
			h.action = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// commandContext bounds a blind command by the VM lifetime and the engine's
// command timeout, extended by extra for long tilt sequences.
func commandContext(vm *scriptVM, e *Engine, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, e.commandTimeout+extra)
}

// rf.set_state(device, state, [rail]) -> ok, err
func rfSetState(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	state := L.CheckString(2)
	rail := L.OptInt(3, 1)

	st, err := transform.ParseState(state)
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	if rail < 1 || rail > 3 {
		L.ArgError(3, "rail must be 1-3")
		return 0
	}
	dev := resolveDevice(e, target)
	if dev == nil {
		return pushResult(L, "device not found: "+target)
	}

	ctx, cancel := commandContext(vm, e, 0)
	defer cancel()
	if err := e.coord.Devices().SetCapability(ctx, dev.ID, transform.StateCapability(rail), string(st)); err != nil {
		e.logger.Error("set state", "target", target, "state", st, "rail", rail, "err", err)
		return pushResult(L, err.Error())
	}
	return pushResult(L, "")
}

// rf.tilt(device, "up"|"down", [steps]) -> ok, err
func rfTilt(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	dir := strings.ToLower(L.CheckString(2))
	steps := L.OptInt(3, 1)

	if dir != "up" && dir != "down" {
		L.ArgError(2, "direction must be up or down")
		return 0
	}
	if steps < 1 {
		L.ArgError(3, "steps must be positive")
		return 0
	}
	dev := resolveDevice(e, target)
	if dev == nil {
		return pushResult(L, "device not found: "+target)
	}

	ctx, cancel := commandContext(vm, e, transform.TiltDuration(steps))
	defer cancel()
	if err := e.coord.Devices().Tilt(ctx, dev.ID, dir == "up", steps); err != nil {
		e.logger.Error("tilt", "target", target, "dir", dir, "steps", steps, "err", err)
		return pushResult(L, err.Error())
	}
	return pushResult(L, "")
}

// rf.my(device) -> ok, err
func rfMy(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	dev := resolveDevice(e, target)
	if dev == nil {
		return pushResult(L, "device not found: "+target)
	}

	ctx, cancel := commandContext(vm, e, 0)
	defer cancel()
	if err := e.coord.Devices().My(ctx, dev.ID); err != nil {
		e.logger.Error("my position", "target", target, "err", err)
		return pushResult(L, err.Error())
	}
	return pushResult(L, "")
}

// pushResult pushes the (ok, err) pair returned by commands.
func pushResult(L *lua.LState, errMsg string) int {
	if errMsg != "" {
		L.Push(lua.LFalse)
		L.Push(lua.LString(errMsg))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// rf.get_state(device, [rail]) -> last known state or nil
func rfGetState(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	rail := L.OptInt(2, 1)

	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LNil)
		return 1
	}
	if v, ok := dev.Capabilities[transform.StateCapability(rail)]; ok {
		L.Push(goToLua(L, v))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

// rf.devices() -> list of {id, name, protocol, model, rails}
func rfDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.coord.Devices().ListDevices()
	if err != nil {
		e.logger.Error("list devices", "err", err)
		L.Push(tbl)
		return 1
	}

	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(dev.ID))
		d.RawSetString("name", lua.LString(dev.Name))
		d.RawSetString("protocol", lua.LString(dev.Protocol))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("rails", lua.LNumber(max(dev.Rails, 1)))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// rf.after(seconds, callback) runs callback on the VM goroutine later.
func rfAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// rf.log(msg)
func rfLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}

// resolveDevice finds a device by ID or, case-insensitively, by name.
func resolveDevice(e *Engine, target string) *store.Device {
	if dev, err := e.coord.Devices().GetDevice(target); err == nil {
		return dev
	}

	devices, err := e.coord.Devices().ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if dev.Name != "" && strings.EqualFold(dev.Name, target) {
			return dev
		}
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.ID, target) {
			return dev
		}
	}
	return nil
}
