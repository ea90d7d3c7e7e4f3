package sqlrunner

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// ScriptVersion identifies the remote script layout. Bump it whenever the
// payload written by the script changes shape.
const ScriptVersion = 1

//go:embed script.py.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("script").
	Funcs(template.FuncMap{"lit": pyLiteral}).
	Parse(scriptSource))

// ScriptParams are the inputs of Compile.
type ScriptParams struct {
	Statement    string
	Token        string
	Commit       bool
	ResultPrefix string
	ErrorPrefix  string
}

type scriptData struct {
	Version   int
	Statement string
	ResultKey string
	ErrorKey  string
	Savepoint string
	Commit    bool
}

// Compile renders the server-side script that runs one statement inside a
// savepoint and reports through the token's parameter keys.
func Compile(p ScriptParams) (string, error) {
	if !ValidToken(p.Token) {
		return "", fmt.Errorf("invalid run token %q", p.Token)
	}
	if p.ResultPrefix == "" || p.ErrorPrefix == "" {
		return "", fmt.Errorf("result and error key prefixes are required")
	}
	if p.ResultPrefix == p.ErrorPrefix {
		return "", fmt.Errorf("result and error key prefixes must differ")
	}

	keys := keysFor(p.ResultPrefix, p.ErrorPrefix, p.Token)
	var buf bytes.Buffer
	err := scriptTemplate.Execute(&buf, scriptData{
		Version:   ScriptVersion,
		Statement: p.Statement,
		ResultKey: keys.Result,
		ErrorKey:  keys.Error,
		Savepoint: savepointName(p.Token),
		Commit:    p.Commit,
	})
	if err != nil {
		return "", fmt.Errorf("render script: %w", err)
	}
	return buf.String(), nil
}

// pyLiteral encodes s as a JSON string, which Python also parses as a string
// literal. HTML escaping is disabled so the statement round-trips verbatim.
func pyLiteral(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
