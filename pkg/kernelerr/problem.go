package kernelerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). Every
// kernel HTTP response uses this format; internal detail is never leaked
// in Detail for KindInternal.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
}

// WriteHTTP renders err as an RFC 7807 Problem Detail response. If err is
// not a *Error it is treated as KindInternal and logged via slog; its text
// is never sent to the client.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	var kerr *Error
	if !errors.As(err, &kerr) {
		slog.Error("unclassified internal error", "error", err)
		kerr = New(KindInternal, "An unexpected error occurred. Please try again later.")
	}
	if kerr.Kind == KindInternal {
		slog.Error("internal server error", "error", kerr)
	}

	status := kerr.Kind.HTTPStatus()
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://trustplane.dev/errors/%s", kerr.Kind),
		Title:    string(kerr.Kind),
		Status:   status,
		Detail:   detailFor(kerr),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		PolicyID: kerr.PolicyID,
	}

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// detailFor returns the actor-safe message sent to clients. KindInternal
// never exposes the underlying cause, per spec.md §7.
func detailFor(kerr *Error) string {
	if kerr.Kind == KindInternal {
		return "An unexpected error occurred. Please try again later."
	}
	return kerr.Message
}
