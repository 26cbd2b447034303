// Copyright 2025 James Ross
package parser

import "errors"

var (
	errTooLarge               = errors.New("payload exceeds configured byte budget")
	errTooManyRows            = errors.New("payload exceeds configured row budget")
	errUnsupportedContentType = errors.New("unsupported content type")
	errNotArray               = errors.New("top-level JSON value must be an array")
	errElementNotObject       = errors.New("JSON array element must be an object")
	errInvalidUTF8            = errors.New("payload is not valid UTF-8")
)
