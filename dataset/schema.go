// Package dataset validates uploaded tabular files before they are
// committed to a dataset. Validation runs against a staged copy; only a
// file that passes gets promoted and recorded.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInvalidFile is wrapped by every validation failure.
var ErrInvalidFile = errors.New("invalid dataset file")

// Column is one inferred column: name plus the widest type observed.
type Column struct {
	Name string
	Type string // integer, float, or string
}

// Schema is the result of validating a tabular file.
type Schema struct {
	Columns []Column
	NRows   int64
}

// String renders the schema in the stored "name:type,name:type" form.
func (s *Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		parts[i] = col.Name + ":" + col.Type
	}
	return strings.Join(parts, ",")
}

// InferSchema reads a CSV stream, checks column-count consistency, and
// infers per-column types. Types widen monotonically: integer to float to
// string.
func InferSchema(r io.Reader) (*Schema, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 0 // enforce consistent column counts

	first, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	schema := &Schema{Columns: make([]Column, len(first))}
	if hasHeader(first) {
		for i, name := range first {
			schema.Columns[i] = Column{Name: strings.TrimSpace(name), Type: "integer"}
		}
	} else {
		for i, value := range first {
			schema.Columns[i] = Column{Name: fmt.Sprintf("col_%d", i+1), Type: inferType(value)}
		}
		schema.NRows = 1
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		schema.NRows++
		for i, value := range row {
			schema.Columns[i].Type = widen(schema.Columns[i].Type, inferType(value))
		}
	}

	if schema.NRows == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrInvalidFile)
	}
	return schema, nil
}

// hasHeader guesses whether the first row names columns: a row with any
// non-numeric cell is treated as a header.
func hasHeader(row []string) bool {
	for _, value := range row {
		if inferType(value) == "string" && strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
}

func inferType(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return "string"
	}
	if !strings.Contains(v, ".") {
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			return "integer"
		}
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "float"
	}
	return "string"
}

// widen reconciles an existing column type with a newly observed one.
func widen(existing, observed string) string {
	if existing == observed {
		return existing
	}
	if existing == "string" || observed == "string" {
		return "string"
	}
	// integer vs float in either order
	return "float"
}
