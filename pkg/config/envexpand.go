package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// expandEnv substitutes {{.VAR_NAME}} placeholders in raw YAML with
// environment variable values. Template syntax is used instead of $VAR
// because trust patterns are regular expressions and $ is a regex
// anchor. Unset variables expand to the empty string. If the document
// fails to parse or execute as a template it is returned unchanged so
// that YAML parsing reports the real problem.
func expandEnv(raw []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return raw
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, env); err != nil {
		return raw
	}
	return out.Bytes()
}
