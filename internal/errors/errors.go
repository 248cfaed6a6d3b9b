// Package errors defines the error type returned at the HTTP edge.
//
// Every error body has two client-facing strings: Title becomes the "error"
// field and Message the "message" field. Both are written for Portuguese
// speaking users.
package errors

import (
	"fmt"
	"net/http"
	"strconv"
)

// Error codes, used for logging and the per-code error counters.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeTimeout          = "TIMEOUT"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP status and the strings of its body.
type ServiceError struct {
	Code       string
	Title      string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func newError(code string, status int, title, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Title: title, Message: message, HTTPStatus: status, Err: err}
}

// causeMessage is the message of err, or fallback when err is nil.
func causeMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func BadRequest(title, message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, title, message, nil)
}

func NotFound(title, message string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, title, message, nil)
}

func MethodNotAllowed(title, message string) *ServiceError {
	return newError(CodeMethodNotAllowed, http.StatusMethodNotAllowed, title, message, nil)
}

func PayloadTooLarge(limit int64) *ServiceError {
	return newError(CodePayloadTooLarge, http.StatusRequestEntityTooLarge,
		"Arquivo muito grande", fmt.Sprintf("O arquivo excede o limite de %d bytes", limit), nil)
}

// RateLimitExceeded reports a rejected request. Fractional rates are printed
// as they were configured.
func RateLimitExceeded(perSecond float64, burst int) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "Limite de requisições excedido",
		fmt.Sprintf("Máximo de %s requisições por segundo, com rajadas de até %d",
			strconv.FormatFloat(perSecond, 'f', -1, 64), burst), nil)
}

func Timeout(err error) *ServiceError {
	return newError(CodeTimeout, http.StatusGatewayTimeout, "Tempo limite excedido",
		causeMessage(err, "A extração não terminou a tempo"), err)
}

func Unavailable(title string, err error) *ServiceError {
	return newError(CodeUnavailable, http.StatusServiceUnavailable, title,
		causeMessage(err, "Serviço indisponível"), err)
}

func Internal(title string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, title,
		causeMessage(err, "Erro interno"), err)
}
