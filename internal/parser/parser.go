// Copyright 2025 James Ross
package parser

import (
	"bytes"

	"github.com/rodrigowb4ey/dataset-processor/internal/apperr"
)

const (
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
)

// RowFunc is invoked once per decoded row, in order, with its 0-based
// index. Returning an error aborts the decode.
type RowFunc func(index int64, row Row) error

// Budget bounds the decoder's work so a hostile or oversized payload can
// never exhaust memory: the large-files policy of the design notes.
type Budget struct {
	MaxBytes int64
	MaxRows  int64
}

// Decode dispatches on contentType and streams rows to fn, returning the
// total row count. Decoding accepts UTF-8 with an optional BOM; any other
// encoding, or an unsupported content type, fails with apperr.ErrInvalidPayload.
func Decode(data []byte, contentType string, budget Budget, fn RowFunc) (rowCount int64, err error) {
	if int64(len(data)) > budget.MaxBytes {
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode", errTooLarge)
	}
	data = stripBOM(data)

	switch contentType {
	case ContentTypeCSV:
		return decodeCSV(data, budget, fn)
	case ContentTypeJSON:
		return decodeJSON(data, budget, fn)
	default:
		return 0, apperr.Wrap(apperr.ErrInvalidPayload, "parser", "decode", errUnsupportedContentType)
	}
}

func stripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
}
