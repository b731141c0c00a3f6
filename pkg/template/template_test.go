package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	gotemplate "text/template"
)

func TestString(t *testing.T) {
	t.Setenv("TEST_TEMPLATE_PASS", "s3cret")
	tempDir := t.TempDir()
	tokenFile := filepath.Join(tempDir, "token")
	if err := os.WriteFile(tokenFile, []byte("abc123\n"), 0o600); err != nil {
		t.Fatalf("failed to write token: %v", err)
	}
	data := struct {
		Name string
		Tags []string
		Sub  map[string]string
	}{
		Name: "App",
		Tags: []string{"v1", "latest"},
		Sub:  map[string]string{"a": "<b>"},
	}
	tt := []struct {
		name   string
		tmpl   string
		opts   []Opt
		expect string
	}{
		{name: "env", tmpl: `pass: {{env "TEST_TEMPLATE_PASS"}}`, expect: "pass: s3cret"},
		{name: "file", tmpl: `{{file "` + tokenFile + `"}}`, expect: "abc123"},
		{name: "missing file", tmpl: `[{{file "` + filepath.Join(tempDir, "missing") + `"}}]`, expect: "[]"},
		{name: "default", tmpl: `{{default "none" (env "TEST_TEMPLATE_UNSET")}}`, expect: "none"},
		{name: "join and lower", tmpl: `{{lower .Name}}:{{join .Tags ","}}`, expect: "app:v1,latest"},
		{name: "json", tmpl: `{{json .Sub}}`, expect: "{\"a\":\"<b>\"}\n"},
		{name: "printPretty", tmpl: `{{printPretty .Tags}}`, expect: "[\n  \"v1\",\n  \"latest\"\n]\n"},
		{
			name:   "extra funcs",
			tmpl:   `{{shout .Name}}`,
			opts:   []Opt{WithFuncs(gotemplate.FuncMap{"shout": func(s string) string { return strings.ToUpper(s) + "!" }})},
			expect: "APP!",
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			result, err := String(tc.tmpl, data, tc.opts...)
			if err != nil {
				t.Fatalf("failed to run template: %v", err)
			}
			if result != tc.expect {
				t.Errorf("unexpected result, expected %q, received %q", tc.expect, result)
			}
		})
	}
	if _, err := String("{{.Missing", data); err == nil {
		t.Errorf("invalid template did not fail")
	}
}
