package httpx

import (
	"errors"
	"net/http"
)

// Sentinels for handlers that have no domain error taxonomy of their own.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("temporarily unavailable")
)

var problems = []struct {
	err    error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrValidation, http.StatusBadRequest},
	{ErrForbidden, http.StatusForbidden},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrUnavailable, http.StatusServiceUnavailable},
}

// RespondError writes err as a problem document. Unknown errors become a 500
// without detail.
func RespondError(w http.ResponseWriter, err error) {
	for _, p := range problems {
		if errors.Is(err, p.err) {
			Problem(w, p.status, http.StatusText(p.status), err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
}
