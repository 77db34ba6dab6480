// Package loader resolves module specifiers to source text for the engine's
// require registry. Every file is read through an os.Root, so scripts can never
// reach outside the configured module directory.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/dop251/goja_nodejs/require"

	"github.com/nateabele/jsengine/internal/transpile"
)

var errIsDir = errors.New("is a directory")

// Loader reads and prepares module sources from a root directory.
type Loader struct {
	dir  string
	root *os.Root
	fsys fs.FS
}

// New opens dir as the module root.
func New(dir string) (*Loader, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open module root: %w", err)
	}
	return &Loader{dir: dir, root: root, fsys: root.FS()}, nil
}

// Dir returns the module root directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Close releases the root directory handle.
func (l *Loader) Close() error {
	return l.root.Close()
}

// ReadFile returns the untouched contents of a root-relative file.
func (l *Loader) ReadFile(name string) ([]byte, error) {
	name = Clean(name)
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("read %s: %w", name, fs.ErrInvalid)
	}
	info, err := fs.Stat(l.fsys, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: %w", name, errIsDir)
	}
	return fs.ReadFile(l.fsys, name)
}

// Load implements require.SourceLoader. It returns CommonJS text for p,
// lowering ES modules and stripping TypeScript. A missing `.js` file falls back
// to the `.ts` file of the same name, matching how TypeScript sources spell
// their imports.
func (l *Loader) Load(p string) ([]byte, error) {
	name := Clean(p)
	src, err := l.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) && strings.HasSuffix(name, ".js") {
		name = strings.TrimSuffix(name, ".js") + ".ts"
		src, err = l.ReadFile(name)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errIsDir) {
			return nil, require.ModuleFileDoesNotExistError
		}
		return nil, err
	}

	if path.Ext(name) == ".json" {
		return src, nil
	}
	text := string(src)
	if !transpile.IsTypeScript(name) && !transpile.IsModule(text) {
		return src, nil
	}
	out, err := transpile.Module(name, text)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// Clean turns a specifier path produced by the require resolver into a
// root-relative file name.
func Clean(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}
