package httpapi

import (
	"encoding/json"
	"net/http"

	"stockroom/pkg/domain"
)

// codeUnauthorized is emitted by the auth middleware only; the service never
// returns it.
const codeUnauthorized = "Unauthorized"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Hint: hint}})
}

// writeDomainError renders err in the error envelope with the status of its code.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	message, hint := domain.Describe(err)
	writeError(w, statusOf(code), string(code), message, hint)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeDomainError(w, domain.Errorf(domain.ErrInvalidRequest, format, args...))
}

func statusOf(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidParent, domain.CodeInvalidCategory, domain.CodeInvalidTag,
		domain.CodeSelfContainment, domain.CodeInvalidAmount, domain.CodeSelfMerge:
		return http.StatusUnprocessableEntity
	case domain.CodeCycleDetected, domain.CodeIncompatibleMerge, domain.CodeHasActiveChildren,
		domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
