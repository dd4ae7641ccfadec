package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/target/etl-loader/internal/data"
	"github.com/target/etl-loader/internal/domain/model"
)

const maxRowBytes = 16 << 20

// readRows loads a dataset file: a JSON array of objects, or one object per
// line when the extension is .ndjson or .jsonl.
func readRows(path string) ([]model.Row, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return decodeNDJSON(raw)
	default:
		return decodeJSONArray(raw)
	}
}

func decodeNDJSON(raw []byte) ([]model.Row, error) {
	var rows []model.Row
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), maxRowBytes)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		row, err := data.DecodeStagedRow(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	return rows, nil
}

func decodeJSONArray(raw []byte) ([]model.Row, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("dataset must be a JSON array of objects: %w", err)
	}
	rows := make([]model.Row, 0, len(items))
	for i, item := range items {
		row, err := data.DecodeStagedRow(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readYAML decodes a YAML document into out.
func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// yamlToJSON re-encodes a decoded YAML value as JSON. Empty values become null.
func yamlToJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode as json: %w", err)
	}
	return raw, nil
}
