// Package upstream holds the error variant shared by the speech and language
// adapters, plus the outbound HTTP plumbing they have in common.
package upstream

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindTimeout
	KindService
	KindProtocol
	KindSummarization
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindTimeout:
		return "timeout"
	case KindService:
		return "service error"
	case KindProtocol:
		return "protocol error"
	case KindSummarization:
		return "summarization error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Error struct {
	Kind    Kind
	Service string
	Status  int
	Body    string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Service, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Body != "" {
		msg += ", response body: " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func InvalidInput(service, msg string) *Error {
	return &Error{Kind: KindInvalidInput, Service: service, Msg: msg}
}

func Timeout(service string, err error) *Error {
	return &Error{Kind: KindTimeout, Service: service, Err: err}
}

func ServiceError(service string, status int, body string) *Error {
	return &Error{Kind: KindService, Service: service, Status: status, Body: body}
}

func ProtocolError(service, msg string, err error) *Error {
	return &Error{Kind: KindProtocol, Service: service, Msg: msg, Err: err}
}

func SummarizationError(msg string, err error) *Error {
	return &Error{Kind: KindSummarization, Service: "summarization", Msg: msg, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsServiceFailure is true for upstream rejections and timeouts alike.
func IsServiceFailure(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindService || kind == KindTimeout)
}
