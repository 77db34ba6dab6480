package host

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"github.com/nateabele/jsengine/internal/shim"
	"github.com/nateabele/jsengine/internal/transpile"
)

// ErrShutdown is returned by every operation on an instance after Shutdown.
var ErrShutdown = errors.New("host: instance is shut down")

// ErrNotFunction is returned by Call when the named global is not callable.
var ErrNotFunction = errors.New("not a callable function")

// EngineInitError reports that an engine instance could not be constructed.
// No instance is produced.
type EngineInitError struct {
	Err error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("host: engine init: %v", e.Err)
}

func (e *EngineInitError) Unwrap() error {
	return e.Err
}

// Location points at a position in script source. Line and Column are 1-based.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// ScriptEvaluationError carries a syntax or runtime exception raised inside the
// engine, with the script-level message and, when known, where it was raised.
// The instance that produced it remains usable.
type ScriptEvaluationError struct {
	Message  string
	Location *Location
}

func (e *ScriptEvaluationError) Error() string {
	if e.Location != nil {
		return e.Location.String() + ": " + e.Message
	}
	return e.Message
}

// MarshalError reports a completion value that cannot be converted to a host
// value, such as a cyclic object graph.
type MarshalError struct {
	Err error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("host: marshal result: %v", e.Err)
}

func (e *MarshalError) Unwrap() error {
	return e.Err
}

// stackFrame matches one "at fn (file:line:col(pc))" entry of a goja stack
// property. File names containing a colon (host-internal sources) are skipped.
var stackFrame = regexp.MustCompile(`at (?:[^\n(]*\()?([^\s():]+):(\d+):(\d+)\(`)

// translate converts engine errors into the package's error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var (
		interrupted *goja.InterruptedError
		exception   *goja.Exception
		syntaxList  parser.ErrorList
		compileErr  *goja.CompilerSyntaxError
		transpErr   *transpile.Error
		evalErr     *ScriptEvaluationError
	)
	switch {
	case errors.As(err, &evalErr):
		return evalErr
	case errors.As(err, &interrupted):
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("host: interrupted: %v", interrupted.Value())
	case errors.As(err, &exception):
		return exceptionError(exception)
	case errors.As(err, &syntaxList) && len(syntaxList) > 0:
		first := syntaxList[0]
		return &ScriptEvaluationError{
			Message: "SyntaxError: " + first.Message,
			Location: &Location{
				File:   first.Position.Filename,
				Line:   first.Position.Line,
				Column: first.Position.Column,
			},
		}
	case errors.As(err, &compileErr):
		e := &ScriptEvaluationError{Message: "SyntaxError: " + compileErr.Message}
		if compileErr.File != nil {
			pos := compileErr.File.Position(compileErr.Offset)
			e.Location = &Location{File: pos.Filename, Line: pos.Line, Column: pos.Column}
		}
		return e
	case errors.As(err, &transpErr):
		e := &ScriptEvaluationError{Message: "SyntaxError: " + transpErr.Message}
		if transpErr.Line > 0 {
			e.Location = &Location{File: transpErr.File, Line: transpErr.Line, Column: transpErr.Column}
		}
		return e
	}
	return err
}

func exceptionError(ex *goja.Exception) *ScriptEvaluationError {
	e := &ScriptEvaluationError{Message: describe(ex.Value())}
	frames := ex.Stack()
	for i := range frames {
		if frames[i].SrcName() == shim.SourceName {
			continue
		}
		pos := frames[i].Position()
		if pos.Line > 0 {
			e.Location = &Location{File: frames[i].SrcName(), Line: pos.Line, Column: pos.Column}
			break
		}
	}
	return e
}

// rejectionError describes a promise rejection nobody handled. Rejection
// reasons carry no goja stack frames, so the location comes from the reason's
// stack property when it is an Error.
func rejectionError(reason goja.Value) *ScriptEvaluationError {
	e := &ScriptEvaluationError{Message: "Uncaught (in promise) " + describe(reason)}
	obj, ok := reason.(*goja.Object)
	if !ok {
		return e
	}
	stack := obj.Get("stack")
	if stack == nil || goja.IsUndefined(stack) {
		return e
	}
	if m := stackFrame.FindStringSubmatch(stack.String()); m != nil {
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		e.Location = &Location{File: m[1], Line: line, Column: col}
	}
	return e
}

// describe renders a thrown value the way a console would: "Name: message" for
// Error-like objects and the string conversion for anything else.
func describe(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		msg := obj.Get("message")
		if msg != nil && !goja.IsUndefined(msg) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) && name.String() != "" {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return v.String()
}
