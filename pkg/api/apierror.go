// RFC 7807 problem details for the governor API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

const problemTypeBase = "https://governor.dev/errors/"

// ProblemDetail is the body of every error response. The first six fields
// are RFC 7807 members; the rest are governor extensions.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"` // X-Request-ID of the failed request

	// Code is one of the error kind codes below.
	Code       string                `json:"code,omitempty"`
	Reason     string                `json:"reason,omitempty"` // guard code of a rejected decision
	ProposalID string                `json:"proposal_id,omitempty"`
	HeldBy     string                `json:"held_by,omitempty"`
	Violations []contracts.Violation `json:"violations,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

// Error kind codes carried in ProblemDetail.Code.
const (
	CodeInvariantViolation  = "invariant_violation"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeGuardRejected       = "guard_rejected"
	CodeNotFound            = "not_found"
	CodeTerminal            = "terminal"
	CodeInvalidRequest      = "invalid_request"
)

type errorKind struct {
	status int
	title  string
	code   string
}

var (
	kindInvariant = errorKind{http.StatusUnprocessableEntity, "Invariant Violation", CodeInvariantViolation}
	kindConflict  = errorKind{http.StatusConflict, "Concurrency Conflict", CodeConcurrencyConflict}
	kindGuard     = errorKind{http.StatusForbidden, "Guard Rejected", CodeGuardRejected}
	kindNotFound  = errorKind{http.StatusNotFound, "Not Found", CodeNotFound}
	kindTerminal  = errorKind{http.StatusConflict, "Proposal Terminal", CodeTerminal}
	kindInvalid   = errorKind{http.StatusBadRequest, "Bad Request", CodeInvalidRequest}
)

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemTypeBase + strconv.Itoa(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem response with no request context.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR writes a problem response that names the request path and the
// request id already set on w.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteTooManyRequests writes a 429 with a Retry-After of retryAfter seconds.
func WriteTooManyRequests(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "client request rate exceeded")
}

// WriteInternal logs err and writes a 500 that does not include it.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	writeInternal(w)
}

func writeInternal(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "the governor could not complete the request")
}

// WriteEngineError writes the problem response for an error returned by the
// engine. Errors of no known kind become a 500.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	p := &ProblemDetail{
		Detail:   err.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	var (
		kind  errorKind
		inv   *contracts.InvariantViolationError
		guard *contracts.GuardError
		cerr  *contracts.ConflictError
	)
	switch {
	case errors.As(err, &inv):
		kind = kindInvariant
		p.ProposalID, p.Violations = inv.ProposalID, inv.Violations
	case errors.As(err, &guard):
		kind = kindGuard
		if errors.Is(err, contracts.ErrTerminal) {
			kind = kindTerminal
		}
		p.ProposalID, p.Reason = guard.ProposalID, guard.Code
	case errors.As(err, &cerr):
		kind = kindConflict
		p.HeldBy = cerr.HeldBy
	case errors.Is(err, contracts.ErrConcurrencyConflict):
		kind = kindConflict
	case errors.Is(err, contracts.ErrTerminal):
		kind = kindTerminal
	case errors.Is(err, contracts.ErrNotFound):
		kind = kindNotFound
	case errors.Is(err, contracts.ErrInvalidRequest):
		kind = kindInvalid
	default:
		WriteInternal(w, err)
		return
	}
	p.Status, p.Title, p.Code = kind.status, kind.title, kind.code
	writeProblem(w, p)
}
