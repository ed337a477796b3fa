// Package templates renders HTML fragments with sprig helpers and confines
// any file-backed assets to a sandbox directory.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"

	sprig "github.com/Masterminds/sprig/v3"
)

const maxTemplateBytes = 1 << 20

// Renderer compiles html/template sources. File-backed templates are only
// available when a sandbox is configured.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer builds a renderer. sandbox may be nil.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.FuncMap()
	// Templates must not read the process environment or the filesystem.
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// Compile parses source under name.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("templates: %q is empty", name)
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	contents, err := r.sandbox.ReadFile(path, maxTemplateBytes)
	if err != nil {
		return nil, err
	}
	return r.Compile(filepath.Base(path), string(contents))
}

// Render executes the template and returns the escaped output.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
