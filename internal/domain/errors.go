package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Таксономия ошибок ядра. Пограничные слои (gateway, hub) переводят их в HTTP-статусы
// через HTTPStatus, внутренние слои оборачивают их через fmt.Errorf("...: %w").
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrAuthorization     = errors.New("not authorized for resource")
	ErrNotFound          = errors.New("not found")
	ErrCredential        = errors.New("no usable credential")
	ErrUpstreamTransport = errors.New("upstream transport failure")
	ErrPersistence       = errors.New("persistence failure")

	// ErrConflict возвращается репозиториями при нарушении уникальности (гонка первой вставки).
	ErrConflict = errors.New("conflict")

	ErrContainerStart      = errors.New("container start failed")
	ErrContainerNotRunning = errors.New("container not running")

	// ErrRateLimited: запрос не дождался своей очереди в лимитере агента.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// StartError описывает неудачный запуск контейнера агента.
type StartError struct {
	Slug string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start container for agent %s: %v", e.Slug, e.Err)
}

func (e *StartError) Unwrap() []error {
	return []error{ErrContainerStart, e.Err}
}

// HTTPStatus сопоставляет ошибку ядра со статусом ответа.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrCredential):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamTransport), errors.Is(err, ErrContainerStart),
		errors.Is(err, ErrContainerNotRunning):
		return http.StatusBadGateway
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorKind возвращает короткую метку ошибки для тел ответов и метрик.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrAuthorization):
		return "authorization_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCredential):
		return "credential_error"
	case errors.Is(err, ErrContainerStart):
		return "container_start_error"
	case errors.Is(err, ErrContainerNotRunning):
		return "container_not_running"
	case errors.Is(err, ErrUpstreamTransport):
		return "upstream_transport_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}
