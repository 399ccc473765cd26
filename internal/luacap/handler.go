// Package luacap exposes script-defined capabilities: each action maps
// to a Lua file in a script directory, so operators can add simple
// integrations without recompiling.
package luacap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/tidewheel/tidewheel/internal/capability"
)

// Handler executes <scriptDir>/<action>.lua for each invocation. The
// script must define a global function handle(content, params) that
// returns a string, or (nil, error message) to fail the step.
type Handler struct {
	scriptDir string
}

func NewHandler(scriptDir string) *Handler {
	return &Handler{scriptDir: scriptDir}
}

func (h *Handler) Execute(ctx context.Context, inv capability.Invocation) (string, error) {
	scriptPath, err := filepath.Abs(filepath.Join(h.scriptDir, inv.Action+".lua"))
	if err != nil {
		return "", fmt.Errorf("lua: script path: %w", err)
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return "", fmt.Errorf("lua: no script for action %q: %w", inv.Action, err)
	}

	lState := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer lState.Close()
	lState.SetContext(ctx)

	if err := openLibs(lState); err != nil {
		return "", fmt.Errorf("lua: open libs: %w", err)
	}
	// Scripts get a minimal os module: getenv and time only.
	lState.PreloadModule("os", osModuleLoader)

	if err := lState.DoFile(scriptPath); err != nil {
		return "", fmt.Errorf("lua: load script: %w", err)
	}

	fn := lState.GetGlobal("handle")
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("lua: script %s must define global function handle(content, params)", filepath.Base(scriptPath))
	}

	paramsTable := lState.NewTable()
	for k, v := range inv.Params {
		lState.SetField(paramsTable, k, lua.LString(v))
	}

	lState.Push(fn)
	lState.Push(lua.LString(inv.Content))
	lState.Push(paramsTable)
	if err := lState.PCall(2, 2, nil); err != nil {
		return "", fmt.Errorf("lua: handle(): %w", err)
	}

	errVal := lState.Get(-1)
	ret := lState.Get(-2)
	lState.Pop(2)

	if errVal.Type() == lua.LTString {
		return "", fmt.Errorf("lua: %s.%s: %s", inv.Name, inv.Action, errVal.String())
	}
	if ret.Type() != lua.LTString {
		return "", fmt.Errorf("lua: handle() must return a string, got %s", ret.Type().String())
	}
	return ret.String(), nil
}

// openLibs loads the safe subset of the standard library. The stock os
// and io modules stay out: scripts must not touch the filesystem or
// spawn processes.
func openLibs(lState *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := lState.CallByParam(lua.P{
			Fn:      lState.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return err
		}
	}
	return nil
}

// osModuleLoader provides getenv and time; everything else in the
// stock os library stays out of reach of scripts.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)
		ls.Push(lua.LString(os.Getenv(key)))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
