// Package local reads pipeline inputs from local files.
package local

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ReadColumnCSV reads a CSV and returns the values of the named column.
// The header match ignores case and surrounding space.
func ReadColumnCSV(r io.Reader, column string) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), column) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("missing required column %q", column)
	}

	var values []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if idx >= len(rec) {
			return nil, fmt.Errorf("row has %d columns, want at least %d", len(rec), idx+1)
		}
		values = append(values, rec[idx])
	}
	return values, nil
}
