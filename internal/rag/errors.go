package rag

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the query engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidRequest
	KindIndexUnavailable
	KindEmbeddingFailure
	KindGenerationFailure
	KindNoRelevantContext
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindIndexUnavailable:
		return "index_unavailable"
	case KindEmbeddingFailure:
		return "embedding_failure"
	case KindGenerationFailure:
		return "generation_failure"
	case KindNoRelevantContext:
		return "no_relevant_context"
	default:
		return "unknown"
	}
}

// Error is the only error type returned across the engine boundary.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrIndexUnavailable  = &Error{Kind: KindIndexUnavailable}
	ErrEmbeddingFailure  = &Error{Kind: KindEmbeddingFailure}
	ErrGenerationFailure = &Error{Kind: KindGenerationFailure}
	ErrNoRelevantContext = &Error{Kind: KindNoRelevantContext}
)

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf reports the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
