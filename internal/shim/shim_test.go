package shim_test

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nateabele/jsengine/internal/shim"
)

type printed struct {
	text    string
	isError bool
}

// fakeHost records primitive calls. Its timers resolve immediately, so handlers
// run when the evaluating RunString drains the job queue.
type fakeHost struct {
	vm     *goja.Runtime
	prints []printed
	delays []float64
}

func newFakeHost(t *testing.T, vm *goja.Runtime) *fakeHost {
	t.Helper()
	h := &fakeHost{vm: vm}
	err := shim.Install(vm, shim.Ops{
		Print: func(text string, isError bool) {
			h.prints = append(h.prints, printed{text, isError})
		},
		SetTimeout: func(delay float64) goja.Value {
			h.delays = append(h.delays, delay)
			p, resolve, _ := vm.NewPromise()
			resolve(goja.Undefined())
			obj := vm.ToValue(p).(*goja.Object)
			_ = obj.Set("timerId", len(h.delays))
			return obj
		},
	})
	require.NoError(t, err)
	return h
}

func TestConsoleLogSerializesEachArgument(t *testing.T) {
	vm := goja.New()
	h := newFakeHost(t, vm)

	_, err := vm.RunString(`console.log("x", 1, true, null, {a: [1, "b"]}, 2.5)`)
	require.NoError(t, err)

	require.Len(t, h.prints, 1)
	assert.Equal(t, `"x" 1 true null {"a":[1,"b"]} 2.5`+"\n", h.prints[0].text)
	assert.False(t, h.prints[0].isError)
}

func TestConsoleErrorTargetsErrorStream(t *testing.T) {
	vm := goja.New()
	h := newFakeHost(t, vm)

	_, err := vm.RunString(`console.error({a: 1}); console.error("two", "parts")`)
	require.NoError(t, err)

	require.Len(t, h.prints, 2)
	assert.Equal(t, printed{`{"a":1}` + "\n", true}, h.prints[0])
	assert.Equal(t, printed{`"two" "parts"` + "\n", true}, h.prints[1])
}

func TestConsoleUnserializableValuesPrintEmpty(t *testing.T) {
	vm := goja.New()
	h := newFakeHost(t, vm)

	_, err := vm.RunString(`console.log(undefined, function () {}, 1); console.log()`)
	require.NoError(t, err)

	require.Len(t, h.prints, 2)
	assert.Equal(t, "  1\n", h.prints[0].text)
	assert.Equal(t, "\n", h.prints[1].text)
}

func TestConsoleCircularThrowsSerializationError(t *testing.T) {
	vm := goja.New()
	h := newFakeHost(t, vm)

	v, err := vm.RunString(`
		const a = {};
		a.self = a;
		let caught;
		try {
			console.log("before", a);
		} catch (e) {
			caught = (e instanceof SerializationError) + ":" + e.name;
		}
		caught;
	`)
	require.NoError(t, err)
	assert.Equal(t, "true:SerializationError", v.String())
	assert.Empty(t, h.prints)
}

func TestConsoleCircularUncaughtIsScriptException(t *testing.T) {
	vm := goja.New()
	newFakeHost(t, vm)

	_, err := vm.RunString(`const a = []; a.push(a); console.error(a);`)
	require.Error(t, err)

	var ex *goja.Exception
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, ex.Error(), "SerializationError")
}

func TestConsoleKeepsExistingObject(t *testing.T) {
	vm := goja.New()
	_, err := vm.RunString(`globalThis.console = { info: function () { return "kept"; } };`)
	require.NoError(t, err)
	h := newFakeHost(t, vm)

	v, err := vm.RunString(`console.log("hi"); console.info()`)
	require.NoError(t, err)
	assert.Equal(t, "kept", v.String())
	require.Len(t, h.prints, 1)
}

func TestSetTimeoutDefaultsDelayToZero(t *testing.T) {
	vm := goja.New()
	h := newFakeHost(t, vm)

	_, err := vm.RunString(`setTimeout(() => {}); setTimeout(() => {}, 25); setTimeout(() => {}, undefined)`)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 25, 0}, h.delays)
}

func TestSetTimeoutInvokesHandlerWithoutArguments(t *testing.T) {
	vm := goja.New()
	newFakeHost(t, vm)

	_, err := vm.RunString(`
		globalThis.seen = [];
		const handle = setTimeout(function () { seen.push(arguments.length); }, 5);
		globalThis.handle = handle;
	`)
	require.NoError(t, err)

	assert.Equal(t, []any{int64(0)}, vm.Get("seen").Export())
	assert.Equal(t, int64(1), vm.Get("handle").Export())
}

func TestSetTimeoutRejectsNonFunctionHandler(t *testing.T) {
	vm := goja.New()
	h := newFakeHost(t, vm)

	_, err := vm.RunString(`setTimeout("alert(1)", 0)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeError")
	assert.Empty(t, h.delays)
}

func TestPrimitivesAreNotGlobal(t *testing.T) {
	vm := goja.New()
	newFakeHost(t, vm)

	v, err := vm.RunString(`[typeof ops, typeof print, typeof clearTimeout, typeof setInterval].join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined,undefined", v.String())
}

func TestInstallRequiresBothPrimitives(t *testing.T) {
	err := shim.Install(goja.New(), shim.Ops{Print: func(string, bool) {}})
	assert.Error(t, err)
}

func TestInstancesDoNotShareConsole(t *testing.T) {
	vm1, vm2 := goja.New(), goja.New()
	h1 := newFakeHost(t, vm1)
	h2 := newFakeHost(t, vm2)

	_, err := vm1.RunString(`console.log(1)`)
	require.NoError(t, err)

	assert.Len(t, h1.prints, 1)
	assert.Empty(t, h2.prints)
}
