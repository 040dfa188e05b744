package render

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/samber/lo"

	"github.com/pingsantohq/naginator/internal/render/signature"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// fileTemplate must be defined by every template set. define_<type>
// overrides the generic "define" template for one object type.
const (
	fileTemplate   = "file"
	defineTemplate = "define"
)

// fileData is what the "file" template is executed with.
type fileData struct {
	Name        string
	Definitions []Definition
}

// DefaultTemplates returns the template set compiled into the binary.
func DefaultTemplates() fs.FS {
	sub, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// loadTemplateSet resolves opts.TemplateSet (or the embedded set), verifies
// its signature when a public key is configured and parses it.
func loadTemplateSet(ctx context.Context, opts Options) (*template.Template, error) {
	if opts.TemplateSet == "" {
		sources, err := readTemplateSet(ctx, DefaultTemplates(), nil)
		if err != nil {
			return nil, err
		}
		return parseTemplateSet(sources)
	}

	info, err := os.Stat(opts.TemplateSet)
	if err != nil {
		return nil, fmt.Errorf("template set: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template set %s is not a directory", opts.TemplateSet)
	}
	var verifier *signature.Verifier
	if opts.TemplatePublicKey != "" {
		if verifier, err = signature.LoadVerifier(opts.TemplatePublicKey); err != nil {
			return nil, err
		}
	}
	sources, err := readTemplateSet(ctx, os.DirFS(opts.TemplateSet), verifier)
	if err != nil {
		return nil, fmt.Errorf("template set %s: %w", opts.TemplateSet, err)
	}
	return parseTemplateSet(sources)
}

// readTemplateSet reads every *.tmpl file of fsys exactly once. With a
// verifier, the content returned is the content whose digest was checked.
func readTemplateSet(ctx context.Context, fsys fs.FS, verifier *signature.Verifier) (map[string][]byte, error) {
	if verifier != nil {
		return verifier.VerifySet(ctx, fsys)
	}
	names, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

func parseTemplateSet(sources map[string][]byte) (*template.Template, error) {
	var tmpl *template.Template

	include := func(name string, data any) (string, error) {
		var b strings.Builder
		if err := tmpl.ExecuteTemplate(&b, name, data); err != nil {
			return "", err
		}
		return b.String(), nil
	}

	funcs := sprig.TxtFuncMap()
	funcs["include"] = include
	funcs["escape"] = EscapeValue
	funcs["escapeArg"] = EscapeArg
	funcs["directive"] = formatDirective
	funcs["definition"] = func(d Definition) (string, error) {
		name := defineTemplate + "_" + d.Type
		if tmpl.Lookup(name) == nil {
			name = defineTemplate
		}
		return include(name, d)
	}

	tmpl = template.New("set").Option("missingkey=error").Funcs(funcs)
	if len(sources) == 0 {
		return nil, errors.New("template set has no *.tmpl files")
	}
	names := lo.Keys(sources)
	sort.Strings(names)
	for _, name := range names {
		if _, err := tmpl.New(name).Parse(string(sources[name])); err != nil {
			return nil, fmt.Errorf("parse template set: %w", err)
		}
	}
	for _, required := range []string{fileTemplate, defineTemplate} {
		if tmpl.Lookup(required) == nil {
			return nil, fmt.Errorf("template set does not define %q", required)
		}
	}
	return tmpl, nil
}

func executeFile(tmpl *template.Template, data fileData) ([]byte, error) {
	var b strings.Builder
	if err := tmpl.ExecuteTemplate(&b, fileTemplate, data); err != nil {
		return nil, fmt.Errorf("execute template for %s: %w", data.Name, err)
	}
	return []byte(b.String()), nil
}
