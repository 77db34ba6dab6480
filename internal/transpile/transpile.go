// Package transpile turns source files into plain script text the engine can
// evaluate: TypeScript annotations are stripped and ES modules are lowered to
// CommonJS so the require registry can link them.
package transpile

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// target is the newest syntax level the engine evaluates natively.
const target = api.ES2017

// moduleSyntax matches a top-level static import or export statement.
var moduleSyntax = regexp.MustCompile(`(?m)^\s*(import(\s+[\w{*]|\s*[{*'"])|export(\s+\w|\s*[{*]))`)

// Error is a syntax or transform failure reported by the transpiler.
type Error struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// IsTypeScript reports whether name carries a TypeScript extension.
func IsTypeScript(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts", ".tsx", ".mts", ".cts":
		return true
	}
	return false
}

// IsModule reports whether src uses static import or export statements.
func IsModule(src string) bool {
	return moduleSyntax.MatchString(src)
}

// Script strips type annotations from a TypeScript classic script. JavaScript
// input is returned unchanged.
func Script(name, src string) (string, error) {
	if !IsTypeScript(name) {
		return src, nil
	}
	return transform(name, src, api.FormatDefault)
}

// Module lowers an ES module (JavaScript or TypeScript, chosen by the name's
// extension) to a CommonJS module body.
//
// Both Script (for TypeScript) and Module end their output with an inline
// source map, so positions in the generated code map back to name.
func Module(name, src string) (string, error) {
	return transform(name, src, api.FormatCommonJS)
}

func transform(name, src string, format api.Format) (string, error) {
	result := api.Transform(src, api.TransformOptions{
		Loader:         loaderFor(name),
		Format:         format,
		Target:         target,
		Sourcemap:      api.SourceMapInline,
		SourcesContent: api.SourcesContentExclude,
		// The runtime resolves map sources against the directory of the file
		// being compiled, so only the base name goes into the map.
		Sourcefile: path.Base(name),
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", toError(name, result.Errors[0])
	}
	return string(result.Code), nil
}

func loaderFor(name string) api.Loader {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	default:
		return api.LoaderJS
	}
}

func toError(name string, msg api.Message) *Error {
	e := &Error{File: name, Message: msg.Text}
	if msg.Location != nil {
		e.Line = msg.Location.Line
		// esbuild columns are zero-based.
		e.Column = msg.Location.Column + 1
	}
	return e
}
