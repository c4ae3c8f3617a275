// Package problem defines the error taxonomy of the framework and its HTTP
// problem-details representation.
//
// Every error surfaced to a client carries a kind that maps to an HTTP
// status and a URL-like type tag (/__concave/problems/<slug>). Internal
// errors never leak their underlying detail.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindFilterParse
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindPreconditionFailed
	KindNotModified
	KindConflict
	KindTooLarge
	KindUnavailable
)

// TypePrefix is the base of every problem type tag.
const TypePrefix = "/__concave/problems/"

func (k Kind) slug() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindFilterParse:
		return "filter-parse"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not-found"
	case KindPreconditionFailed:
		return "precondition-failed"
	case KindNotModified:
		return "not-modified"
	case KindConflict:
		return "conflict"
	case KindTooLarge:
		return "too-large"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Status returns the HTTP status for a kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindFilterParse, KindTooLarge:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindNotModified:
		return http.StatusNotModified
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) title() string {
	switch k {
	case KindValidation:
		return "Validation Failed"
	case KindFilterParse:
		return "Malformed Filter Expression"
	case KindUnauthenticated:
		return "Authentication Required"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "Not Found"
	case KindPreconditionFailed:
		return "Precondition Failed"
	case KindNotModified:
		return "Not Modified"
	case KindConflict:
		return "Conflict"
	case KindTooLarge:
		return "Request Too Large"
	case KindUnavailable:
		return "Service Unavailable"
	default:
		return "Internal Error"
	}
}

// Problem is a typed error with a problem-details HTTP rendering.
type Problem struct {
	Kind        Kind
	Detail      string
	CurrentETag string // populated for precondition failures
	Err         error  // wrapped cause, never rendered for internal kinds
}

// New creates a Problem of the given kind.
func New(kind Kind, format string, args ...any) *Problem {
	return &Problem{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a Problem wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Problem {
	return &Problem{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (p *Problem) Error() string {
	if p.Err != nil {
		return fmt.Sprintf("%s: %s: %v", p.Kind.slug(), p.Detail, p.Err)
	}
	return fmt.Sprintf("%s: %s", p.Kind.slug(), p.Detail)
}

func (p *Problem) Unwrap() error { return p.Err }

// body is the wire form of a problem response.
type body struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Status      int    `json:"status"`
	Detail      string `json:"detail,omitempty"`
	CurrentETag string `json:"currentETag,omitempty"`
}

// Body renders the problem-details JSON document.
func (p *Problem) Body() []byte {
	detail := p.Detail
	if p.Kind == KindInternal {
		detail = "" // do not leak internals
	}
	raw, _ := json.Marshal(body{
		Type:        TypePrefix + p.Kind.slug(),
		Title:       p.Kind.title(),
		Status:      p.Kind.Status(),
		Detail:      detail,
		CurrentETag: p.CurrentETag,
	})
	return raw
}

// Write renders the problem as an application/problem+json response.
// 304 responses carry no body per RFC 9110.
func Write(w http.ResponseWriter, p *Problem) {
	status := p.Kind.Status()
	if status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(p.Body())
	_, _ = w.Write([]byte("\n"))
}

// From classifies an arbitrary error: existing Problems pass through,
// anything else becomes an internal error.
func From(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return &Problem{Kind: KindInternal, Detail: "internal error", Err: err}
}

// WriteError classifies and renders an error in one step.
func WriteError(w http.ResponseWriter, err error) {
	Write(w, From(err))
}

// IsKind reports whether err is a Problem of the given kind.
func IsKind(err error, kind Kind) bool {
	var p *Problem
	return errors.As(err, &p) && p.Kind == kind
}
