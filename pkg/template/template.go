// Package template formats command output and expands config values with text/template
package template

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"reflect"
	"strings"
	gotemplate "text/template"
)

var tmplFuncs = gotemplate.FuncMap{
	"default": func(def, orig interface{}) interface{} {
		if orig == nil || orig == reflect.Zero(reflect.TypeOf(orig)).Interface() {
			return def
		}
		return orig
	},
	"env": os.Getenv,
	"file": func(filename string) string {
		b, err := os.ReadFile(filename)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	},
	"join":        strings.Join,
	"json":        func(v interface{}) string { return marshal(v, "") },
	"jsonPretty":  func(v interface{}) string { return marshal(v, "  ") },
	"printPretty": printPretty,
	"lower":       strings.ToLower,
	"split":       strings.Split,
	"upper":       strings.ToUpper,
}

// Opt allows options to be passed to templating functions
type Opt func(*gotemplate.Template) (*gotemplate.Template, error)

// Writer outputs a template to an io.Writer
func Writer(out io.Writer, tmpl string, data interface{}, opts ...Opt) error {
	var err error
	t := gotemplate.New("out").Funcs(tmplFuncs)
	for _, opt := range opts {
		t, err = opt(t)
		if err != nil {
			return err
		}
	}
	t, err = t.Parse(tmpl)
	if err != nil {
		return err
	}
	return t.Execute(out, data)
}

// String converts a template to a string
func String(tmpl string, data interface{}, opts ...Opt) (string, error) {
	var sb strings.Builder
	if err := Writer(&sb, tmpl, data, opts...); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WithFuncs includes additional template functions
func WithFuncs(funcs gotemplate.FuncMap) Opt {
	return func(t *gotemplate.Template) (*gotemplate.Template, error) {
		return t.Funcs(funcs), nil
	}
}

type prettyPrinter interface {
	MarshalPretty() ([]byte, error)
}

// printPretty uses MarshalPretty when available and indented json otherwise
func printPretty(v interface{}) string {
	if pp, ok := v.(prettyPrinter); ok {
		b, err := pp.MarshalPretty()
		if err != nil {
			return ""
		}
		return string(b)
	}
	return marshal(v, "  ")
}

func marshal(v interface{}, indent string) string {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	_ = enc.Encode(v)
	return buf.String()
}
