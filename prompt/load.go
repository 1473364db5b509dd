// Package prompt reads the batch input: a JSON document or a newline-delimited text file.
package prompt

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/xerrors"
)

var (
	ErrNotFound      = errors.New("input file not found")
	ErrInvalidFormat = errors.New("JSON file must contain a list of prompts or an object with a \"prompts\" key")
	ErrInvalidUTF8   = xerrors.Errorf("input is not valid UTF-8: %w", ErrInvalidFormat)
)

const maxLineSize = 1 << 20

// Load returns the prompts stored at path, in file order.
//
// Files with a .json extension must hold either a list of strings or an
// object with a "prompts" list. Anything else is read line by line, with
// surrounding whitespace trimmed and blank lines dropped.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, xerrors.Errorf("open input: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(f)
	}
	return ParseLines(f)
}

// ParseJSON decodes a JSON prompt document.
func ParseJSON(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("read input: %w", err)
	}
	// encoding/json would silently turn invalid bytes into U+FFFD.
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}
	data = bytes.TrimSpace(data)

	var list []string
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, xerrors.Errorf("%v: %w", err, ErrInvalidFormat)
		}
		return nonNil(list), nil
	}

	var doc struct {
		Prompts *[]string `json:"prompts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrInvalidFormat)
	}
	if doc.Prompts == nil {
		return nil, ErrInvalidFormat
	}
	return nonNil(*doc.Prompts), nil
}

// ParseLines reads one prompt per non-blank line.
func ParseLines(r io.Reader) ([]string, error) {
	prompts := []string{}

	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) {
			return nil, xerrors.Errorf("line %d: %w", n, ErrInvalidUTF8)
		}
		prompts = append(prompts, line)
	}
	if err := s.Err(); err != nil {
		return nil, xerrors.Errorf("read input: %w", err)
	}

	return prompts, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
