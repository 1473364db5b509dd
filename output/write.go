// Package output stores the results of a batch run.
package output

import (
	"bytes"
	"encoding/json"
	"os"

	"golang.org/x/xerrors"

	"github.com/vitali87/llm-shell/translate"
)

const DefaultPath = "output.json"

// Encode renders results as an indented JSON array of
// {"instruction", "command"} objects without escaping non-ASCII or HTML characters.
func Encode(results []translate.Result) ([]byte, error) {
	if results == nil {
		results = []translate.Result{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return nil, xerrors.Errorf("encode results: %w", err)
	}

	return buf.Bytes(), nil
}

// Write replaces the file at path with the encoded results.
func Write(results []translate.Result, path string) error {
	data, err := Encode(results)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Errorf("write results: %w", err)
	}
	return nil
}
