// Package host embeds a goja JavaScript runtime behind a narrow, trusted
// boundary. Each Instance owns one runtime, installs the bootstrap shim before
// any user code runs, implements the privileged print and timer primitives the
// shim calls into, and drives a single-threaded event loop whose timers resolve
// in deadline order with registration order breaking ties.
//
// Script results cross back into Go as plain values: string, int64, float64,
// bool, map[string]any, []any, or one of the Undefined and Null markers.
package host
