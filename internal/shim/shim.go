// Package shim installs the bootstrap script that gives every engine instance
// its script-facing globals: console.log, console.error and setTimeout. The
// globals are thin wrappers over the two privileged host primitives, which are
// handed to the bootstrap as arguments and never become global bindings.
package shim

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// SourceName is the file name bootstrap frames carry in stack traces.
const SourceName = "[shim:bootstrap]"

//go:embed bootstrap.js
var bootstrapSource string

var compileBootstrap = sync.OnceValues(func() (*goja.Program, error) {
	return goja.Compile(SourceName, bootstrapSource, false)
})

// Ops are the privileged host primitives the shim calls into.
type Ops struct {
	// Print receives the serialized console line, newline included.
	Print func(text string, isError bool)

	// SetTimeout registers a timer and returns its deferred: a promise that
	// resolves once the delay has elapsed. The raw script argument is passed
	// through ToFloat, so clamping is left to the host.
	SetTimeout func(delayMillis float64) goja.Value
}

// Install runs the bootstrap against vm. It must be called before any user
// code is evaluated.
func Install(vm *goja.Runtime, ops Ops) error {
	if ops.Print == nil || ops.SetTimeout == nil {
		return errors.New("shim: print and setTimeout primitives are required")
	}

	prg, err := compileBootstrap()
	if err != nil {
		return fmt.Errorf("compile bootstrap: %w", err)
	}
	v, err := vm.RunProgram(prg)
	if err != nil {
		return fmt.Errorf("evaluate bootstrap: %w", err)
	}
	bootstrap, ok := goja.AssertFunction(v)
	if !ok {
		return errors.New("shim: bootstrap did not evaluate to a function")
	}

	primitives := vm.NewObject()
	if err := primitives.Set("print", func(call goja.FunctionCall) goja.Value {
		ops.Print(call.Argument(0).String(), call.Argument(1).ToBoolean())
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("bind print: %w", err)
	}
	if err := primitives.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return ops.SetTimeout(call.Argument(0).ToFloat())
	}); err != nil {
		return fmt.Errorf("bind setTimeout: %w", err)
	}

	if _, err := bootstrap(goja.Undefined(), vm.GlobalObject(), primitives); err != nil {
		return fmt.Errorf("install bootstrap: %w", err)
	}
	return nil
}
