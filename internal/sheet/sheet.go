// Package sheet reads tabular data out of uploaded spreadsheets.
package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const DefaultSheet = "Sheet1"

var (
	ErrSheetNotFound = errors.New("sheet not found")
	ErrRowNotFound   = errors.New("row not found")
)

// Rows decodes an .xlsx workbook and returns the formatted cell text of the
// named sheet, one slice per row.
func Rows(data []byte, name string) ([][]string, error) {
	if name == "" {
		name = DefaultSheet
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(name); err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrSheetNotFound, name)
	}
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", name, err)
	}
	return rows, nil
}

// FindRow returns the last row that has a cell equal to key.
func FindRow(rows [][]string, key string) ([]string, error) {
	var found []string
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) == key {
				found = row
				break
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %q", ErrRowNotFound, key)
	}
	return found, nil
}

// Zip pairs header[i] with values[i] for every column of values whose header
// is not blank. Columns past the end of header are ignored.
func Zip(header, values []string) map[string]string {
	out := make(map[string]string, len(values))
	for i, v := range values {
		if i >= len(header) {
			break
		}
		k := strings.TrimSpace(header[i])
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
