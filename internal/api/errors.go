package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/kiln/internal/codec"
	"github.com/samcharles93/kiln/internal/generator"
	"github.com/samcharles93/kiln/internal/module"
	"github.com/samcharles93/kiln/internal/optim"
	"github.com/samcharles93/kiln/internal/registry"
	"github.com/samcharles93/kiln/internal/trainer"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a module error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, module.ErrUnknownPost):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, registry.ErrUnknownCategory),
		errors.Is(err, registry.ErrInvalidParam),
		errors.Is(err, optim.ErrUnknownOption),
		errors.Is(err, generator.ErrInvalidConfig),
		errors.Is(err, module.ErrInvalidConfig),
		errors.Is(err, codec.ErrEmptyPost),
		errors.Is(err, trainer.ErrEmptyBatch):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		var pe *registry.ParamError
		if errors.As(err, &pe) {
			return http.StatusBadRequest, "invalid_request_error"
		}
		return http.StatusInternalServerError, "server_error"
	}
}
