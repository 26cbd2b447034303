// Copyright 2025 James Ross
package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
)

// decodeCSV treats the first non-empty line as the header; each subsequent
// line yields a record keyed by header, with short rows leaving trailing
// fields blank and long rows keeping the extras under synthetic column
// names, per §4.4's "short/extra columns preserved" rule.
func decodeCSV(data []byte, budget Budget, fn RowFunc) (int64, error) {
	if !utf8.Valid(data) {
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_csv", errInvalidUTF8)
	}

	r := csv.NewReader(bufio.NewReader(bytes.NewReader(data)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = false

	var header []string
	var count int64
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_csv", err)
		}
		if header == nil {
			if isEmptyRecord(record) {
				continue
			}
			header = record
			continue
		}
		if count >= budget.MaxRows {
			return count, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_csv", errTooManyRows)
		}

		row := rowFromCSVRecord(header, record)
		if err := fn(count, row); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func isEmptyRecord(record []string) bool {
	for _, f := range record {
		if f != "" {
			return false
		}
	}
	return true
}

func rowFromCSVRecord(header, record []string) Row {
	values := make(map[string]Cell, len(header))
	fields := make([]string, 0, len(header))
	for i, name := range header {
		fields = append(fields, name)
		if i < len(record) {
			v := record[i]
			if v == "" {
				values[name] = NullCell()
			} else {
				values[name] = StringCell(v)
			}
		} else {
			values[name] = NullCell()
		}
	}
	// extra columns beyond the header are preserved under positional keys.
	for i := len(header); i < len(record); i++ {
		name := extraColumnName(i)
		fields = append(fields, name)
		values[name] = StringCell(record[i])
	}
	return Row{Fields: fields, Values: values}
}

func extraColumnName(index int) string {
	return "_extra_" + strconv.Itoa(index)
}
