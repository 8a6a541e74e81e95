// Package apperr defines the error taxonomy shared by the capture pipeline stages.
package apperr

import (
	"errors"
	"maps"
)

// Kind classifies which stage of the pipeline produced an error.
type Kind string

const (
	// KindResolution means the source could not be turned into a playlist URL.
	KindResolution Kind = "resolution"
	// KindParse means a playlist was unreachable, malformed or empty.
	KindParse Kind = "parse"
	// KindDownload means no segment could be downloaded.
	KindDownload Kind = "download"
	// KindConversion means every conversion strategy failed or the tool could not start.
	KindConversion Kind = "conversion"
	// KindFilesystem means an artifact was missing or could not be written.
	KindFilesystem Kind = "filesystem"
	// KindUnknown is reported for errors that carry no Kind.
	KindUnknown Kind = "unknown"
)

// Error is a pipeline error tagged with the stage that produced it.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error: " + e.Message
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With returns a copy of e with an extra diagnostic field.
func (e *Error) With(key, value string) *Error {
	fields := make(map[string]string, len(e.Fields)+1)
	maps.Copy(fields, e.Fields)
	fields[key] = value

	cp := *e
	cp.Fields = fields
	return &cp
}

// New creates an Error without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Field returns a diagnostic field from the first *Error in err's chain.
func Field(err error, key string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields[key]
	}
	return ""
}
