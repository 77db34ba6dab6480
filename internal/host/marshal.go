package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/dop251/goja"
)

// Marker stands in for the two JavaScript values that have no natural Go
// counterpart.
type Marker string

const (
	Undefined Marker = "undefined"
	Null      Marker = "null"
)

// MarshalJSON encodes both markers as JSON null.
func (m Marker) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// maxSafeInteger is 2^53-1, the largest integer a double represents exactly.
const maxSafeInteger = 1<<53 - 1

// export converts a completion value into a host value. Primitives are
// converted directly. Objects go through the runtime's JSON.stringify and come
// back as map[string]any and []any, which drops functions and symbols and
// fails on cycles.
func (i *Instance) export(v goja.Value) (any, error) {
	switch {
	case v == nil || goja.IsUndefined(v):
		return Undefined, nil
	case goja.IsNull(v):
		return Null, nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case int64, string, bool, *big.Int:
			return x, nil
		case float64:
			return normalizeFloat(x), nil
		default:
			return v.String(), nil
		}
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return Undefined, nil
	}

	stringify, ok := goja.AssertFunction(i.vm.Get("JSON").ToObject(i.vm).Get("stringify"))
	if !ok {
		return nil, &MarshalError{Err: errors.New("JSON.stringify is not callable")}
	}
	s, err := stringify(goja.Undefined(), obj)
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, &MarshalError{Err: errors.New(describe(ex.Value()))}
		}
		return nil, &MarshalError{Err: err}
	}
	if goja.IsUndefined(s) {
		return Undefined, nil
	}

	dec := json.NewDecoder(strings.NewReader(s.String()))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, &MarshalError{Err: err}
	}
	return normalize(out), nil
}

// toValue converts a host argument into a runtime value.
func (i *Instance) toValue(arg any) goja.Value {
	switch arg {
	case Undefined:
		return goja.Undefined()
	case Null, nil:
		return goja.Null()
	}
	return i.vm.ToValue(arg)
}

func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return Null
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return normalizeFloat(f)
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	}
	return v
}

// normalizeFloat reports integral doubles in the safe range as int64, so 2*2.5
// and 5 export identically. NaN and the infinities export as Null, matching
// what JSON.stringify does with them inside objects.
func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger && !(f == 0 && math.Signbit(f)) {
		return int64(f)
	}
	return f
}

// EncodeResult renders a host value as JSON for storage and transport.
// Undefined encodes as the empty string.
func EncodeResult(v any) (string, error) {
	if v == Undefined {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
