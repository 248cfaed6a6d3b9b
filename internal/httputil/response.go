// Package httputil provides HTTP response helpers and a client for the extraction API.
package httputil

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/equipe-eprev/cnis-extractor-api/internal/errors"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
)

// ErrorResponse is the body of every non-2xx JSON answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Default().WithError(err).Warn("failed to encode JSON response")
	}
}

// WriteError writes {"error": errMsg, "message": message}.
func WriteError(w http.ResponseWriter, status int, errMsg, message string) {
	WriteJSON(w, status, ErrorResponse{Error: errMsg, Message: message})
}

// WriteServiceError writes err as {"error": Title, "message": Message}.
func WriteServiceError(w http.ResponseWriter, err *errors.ServiceError) {
	WriteError(w, err.HTTPStatus, err.Title, err.Message)
}

// IsTooLarge reports whether err came from an http.MaxBytesReader limit.
func IsTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return stderrors.As(err, &maxErr)
}

// ReadAllWithLimit reads at most limit bytes and reports whether r had more.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// ReadAllStrict reads r fully and fails when it exceeds limit bytes.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	data, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}

// ClientIP returns the caller address. The X-Forwarded-For and X-Real-IP
// headers are only honoured when trustProxy is set, that is when the server
// sits behind a proxy that overwrites them; otherwise any client could pick
// its own address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			return real
		}
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
