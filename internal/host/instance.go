package host

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja_nodejs/require"

	"github.com/nateabele/jsengine/internal/loader"
	"github.com/nateabele/jsengine/internal/shim"
	"github.com/nateabele/jsengine/internal/transpile"
)

// ScriptName is the file name classic scripts passed to RunScript carry in
// locations and stack traces.
const ScriptName = "[inline]"

const (
	moduleHeader = "(function (exports, require, module, __filename, __dirname) {"
	moduleFooter = "\n})"
	defaultEntry = "main.js"
)

var checkpoint = goja.MustCompile("[host:checkpoint]", "void 0", false)

// SourceLoader supplies module and file sources from the module root.
// *loader.Loader is the production implementation.
type SourceLoader interface {
	// Load resolves a require() path. Missing files must be reported as
	// require.ModuleFileDoesNotExistError.
	Load(p string) ([]byte, error)
	// ReadFile reads a root-relative file for LoadFiles.
	ReadFile(name string) ([]byte, error)
}

// Options configures a new Instance. The zero value is usable.
type Options struct {
	// Sink receives console output. Defaults to a WriterSink over stdout and
	// stderr.
	Sink Sink
	// Source resolves imports and LoadFiles paths. Without one, every import
	// fails to resolve.
	Source SourceLoader
	// MaxPendingTimers caps registered timers. Zero means
	// DefaultMaxPendingTimers.
	MaxPendingTimers int
	Logger           *slog.Logger
}

// ModuleContext marks a RunScript source as an ES module.
type ModuleContext struct {
	// Specifier is the module's path relative to the module root. Relative
	// imports resolve against its directory and a .ts extension selects
	// TypeScript. Empty means "main.js".
	Specifier string
}

// Instance is one isolated script environment. Methods are safe for
// concurrent use; script execution is serialized by the instance.
type Instance struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	sink   Sink
	source SourceLoader
	logger *slog.Logger

	maxTimers   int
	timers      timerQueue
	nextTimerID int64
	pending     atomic.Int64
	tickStart   time.Time
	rejections  []*goja.Promise

	stop      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// installShim is replaced in tests to exercise construction failures.
var installShim = shim.Install

// New creates an instance with the shim installed. Construction failures are
// reported as *EngineInitError.
func New(opts Options) (inst *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst, err = nil, &EngineInitError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	i := &Instance{
		sink:      opts.Sink,
		source:    opts.Source,
		logger:    opts.Logger,
		maxTimers: opts.MaxPendingTimers,
		stop:      make(chan struct{}),
	}
	if i.sink == nil {
		i.sink = NewWriterSink(os.Stdout, os.Stderr)
	}
	if i.source == nil {
		i.source = noSource{}
	}
	if i.logger == nil {
		i.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if i.maxTimers <= 0 {
		i.maxTimers = DefaultMaxPendingTimers
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetPromiseRejectionTracker(i.trackRejection)
	require.NewRegistry(require.WithLoader(i.source.Load)).Enable(vm)
	i.vm = vm

	if err := installShim(vm, shim.Ops{Print: i.opPrint, SetTimeout: i.opSetTimeout}); err != nil {
		return nil, &EngineInitError{Err: err}
	}
	i.tickStart = time.Now()
	return i, nil
}

// RunScript evaluates source and returns its completion value. A nil mod runs
// source as a classic script; otherwise it is an ES module and the result is
// its export namespace. A promise completion value is awaited. All timers the
// script registers have fired before RunScript returns.
func (i *Instance) RunScript(ctx context.Context, source string, mod *ModuleContext) (any, error) {
	if mod == nil {
		return i.runClassic(ctx, ScriptName, source, false)
	}
	name := loader.Clean(mod.Specifier)
	if name == "." {
		name = defaultEntry
	}
	return i.run(ctx, name, source, true)
}

// LoadFiles reads each root-relative path and evaluates it in order, as an ES
// module when it contains import or export statements and as a classic script
// otherwise. TypeScript files have their types stripped first.
func (i *Instance) LoadFiles(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		name := loader.Clean(p)
		src, err := i.source.ReadFile(name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		text := string(src)
		if transpile.IsModule(text) {
			_, err = i.run(ctx, name, text, true)
		} else {
			if text, err = transpile.Script(name, text); err != nil {
				return translate(err)
			}
			_, err = i.runClassic(ctx, name, text, transpile.IsTypeScript(name))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Call invokes the global function name with args converted to script values
// and returns its result, awaiting it if it is a promise.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	var result any
	err := i.enter(ctx, func() error {
		fn, ok := goja.AssertFunction(i.vm.Get(name))
		if !ok {
			return fmt.Errorf("call %s: %w", name, ErrNotFunction)
		}
		vals := make([]goja.Value, len(args))
		for k, a := range args {
			vals[k] = i.toValue(a)
		}
		v, err := fn(goja.Undefined(), vals...)
		if err != nil {
			return err
		}
		result, err = i.complete(ctx, v)
		return err
	})
	return result, err
}

// Global returns the exported value of a global binding, Undefined if it does
// not exist.
func (i *Instance) Global(ctx context.Context, name string) (any, error) {
	var result any
	err := i.enter(ctx, func() error {
		var err error
		result, err = i.export(i.vm.Get(name))
		return err
	})
	return result, err
}

// PendingTimers reports timers registered but not yet resolved.
func (i *Instance) PendingTimers() int {
	return int(i.pending.Load())
}

// Shutdown interrupts any running script, cancels every pending timer and
// releases the runtime. It is idempotent; afterwards every operation returns
// ErrShutdown.
func (i *Instance) Shutdown() {
	i.closeOnce.Do(func() {
		i.closed.Store(true)
		close(i.stop)
		i.vm.Interrupt(ErrShutdown)

		i.mu.Lock()
		defer i.mu.Unlock()
		cancelled := i.cancelTimers()
		i.rejections = nil
		i.vm = nil
		i.logger.Debug("instance shut down", "cancelled_timers", cancelled)
	})
}

func (i *Instance) run(ctx context.Context, name, source string, module bool) (any, error) {
	if module {
		return i.runWith(ctx, func() (goja.Value, error) { return i.evaluateModule(name, source) })
	}
	return i.runClassic(ctx, name, source, false)
}

// runClassic evaluates a classic script. sourceMapped is set when source was
// generated by the transpiler and carries an inline source map.
func (i *Instance) runClassic(ctx context.Context, name, source string, sourceMapped bool) (any, error) {
	return i.runWith(ctx, func() (goja.Value, error) {
		prg, err := compile(name, source, sourceMapped)
		if err != nil {
			return nil, err
		}
		return i.vm.RunProgram(prg)
	})
}

func (i *Instance) runWith(ctx context.Context, evaluate func() (goja.Value, error)) (any, error) {
	var result any
	err := i.enter(ctx, func() error {
		v, err := evaluate()
		if err != nil {
			return err
		}
		result, err = i.complete(ctx, v)
		return err
	})
	return result, err
}

// enter serializes access to the runtime and arranges for ctx cancellation to
// interrupt whatever script is running.
func (i *Instance) enter(ctx context.Context, fn func() error) error {
	if i.closed.Load() {
		return ErrShutdown
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed.Load() {
		return ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vm := i.vm
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(context.Cause(ctx))
	})
	defer func() {
		stop()
		vm.ClearInterrupt()
	}()

	i.tickStart = time.Now()
	err := translate(fn())
	if err != nil {
		// A failed entry leaves no stale rejections behind for the next one.
		i.rejections = nil
	}
	return err
}

// evaluateModule lowers an ES module to CommonJS, runs it in a module wrapper
// and returns its exports. The header shares the first generated line, so the
// inline source map still lines up with every line of the wrapped body.
func (i *Instance) evaluateModule(name, source string) (goja.Value, error) {
	cjs, err := transpile.Module(name, source)
	if err != nil {
		return nil, err
	}
	prg, err := compile(name, moduleHeader+cjs+moduleFooter, true)
	if err != nil {
		return nil, err
	}
	wrapper, err := i.vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("module %s: wrapper is not a function", name)
	}

	modObj := i.vm.NewObject()
	exports := i.vm.NewObject()
	if err := modObj.Set("exports", exports); err != nil {
		return nil, err
	}
	if _, err := fn(exports, exports, i.vm.Get("require"), modObj,
		i.vm.ToValue(name), i.vm.ToValue(path.Dir(name))); err != nil {
		return nil, err
	}
	return modObj.Get("exports"), nil
}

// complete awaits v if it is a promise, converts it, then runs the event loop
// until no timers remain.
func (i *Instance) complete(ctx context.Context, v goja.Value) (any, error) {
	if p, ok := asPromise(v); ok {
		if err := i.drain(ctx, func() bool { return p.State() != goja.PromiseStatePending }); err != nil {
			return nil, err
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			v = p.Result()
		case goja.PromiseStateRejected:
			return nil, rejectionError(p.Result())
		default:
			return nil, &ScriptEvaluationError{Message: "completion promise can never settle: no timers are pending"}
		}
	}

	result, err := i.export(v)
	if err != nil {
		return nil, err
	}
	if err := i.drain(ctx, nil); err != nil {
		return nil, err
	}
	return result, nil
}

func asPromise(v goja.Value) (*goja.Promise, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	p, ok := obj.Export().(*goja.Promise)
	return p, ok
}

func (i *Instance) opPrint(text string, isError bool) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("output sink panicked", "panic", r)
		}
	}()
	stream := StreamOut
	if isError {
		stream = StreamErr
	}
	i.sink.Emit(OutputRecord{Stream: stream, Text: text})
}

func (i *Instance) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		i.rejections = append(i.rejections, p)
	case goja.PromiseRejectionHandle:
		for k, r := range i.rejections {
			if r == p {
				i.rejections = append(i.rejections[:k], i.rejections[k+1:]...)
				break
			}
		}
	}
}

// takeRejection reports the oldest unhandled rejection and forgets the rest.
func (i *Instance) takeRejection() error {
	if len(i.rejections) == 0 {
		return nil
	}
	p := i.rejections[0]
	i.rejections = nil
	return rejectionError(p.Result())
}

// compile parses and compiles source. Source maps are honored only for
// transpiler output, whose maps are always inline.
func compile(name, source string, sourceMapped bool) (*goja.Program, error) {
	var opts []parser.Option
	if !sourceMapped {
		opts = append(opts, parser.WithDisableSourceMaps)
	}
	prg, err := parser.ParseFile(nil, name, source, 0, opts...)
	if err != nil {
		return nil, err
	}
	return goja.CompileAST(prg, false)
}

type noSource struct{}

func (noSource) Load(string) ([]byte, error) {
	return nil, require.ModuleFileDoesNotExistError
}

func (noSource) ReadFile(name string) ([]byte, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}
