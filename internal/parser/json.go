// Copyright 2025 James Ross
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"unicode/utf8"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
)

// decodeJSON streams a top-level JSON array one element at a time via
// json.Decoder.Token, never materializing the whole array in memory. Each
// element must be a JSON object; anything else fails with ErrInvalidPayload.
func decodeJSON(data []byte, budget Budget, fn RowFunc) (int64, error) {
	if !utf8.Valid(data) {
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", errInvalidUTF8)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '[' {
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", errNotArray)
	}

	var count int64
	for dec.More() {
		if count >= budget.MaxRows {
			return count, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", errTooManyRows)
		}

		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			return count, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", errElementNotObject)
		}

		row, err := rowFromJSONObject(raw)
		if err != nil {
			return count, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", err)
		}
		if err := fn(count, row); err != nil {
			return count, err
		}
		count++
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return count, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode_json", err)
	}
	return count, nil
}

func rowFromJSONObject(raw map[string]interface{}) (Row, error) {
	fields := make([]string, 0, len(raw))
	for k := range raw {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	values := make(map[string]Cell, len(raw))
	for _, k := range fields {
		cell, err := cellFromJSONValue(raw[k])
		if err != nil {
			return Row{}, err
		}
		values[k] = cell
	}
	return Row{Fields: fields, Values: values}, nil
}

func cellFromJSONValue(v interface{}) (Cell, error) {
	switch val := v.(type) {
	case nil:
		return NullCell(), nil
	case bool:
		return BoolCell(val), nil
	case string:
		return StringCell(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Cell{}, err
		}
		return NumberCell(f), nil
	default:
		// nested object/array: preserve as its compact JSON text rather than
		// failing the whole row.
		b, err := json.Marshal(val)
		if err != nil {
			return Cell{}, err
		}
		return StringCell(string(b)), nil
	}
}
