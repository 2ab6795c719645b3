package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/registry"
)

// ResponseError is the body of every error response.
type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeModuleError writes err with the status its kind maps to.
func writeModuleError(c *echo.Context, err error) error {
	status, errType := classify(err)
	return writeError(c, status, errType, err.Error(), paramOf(err))
}

func paramOf(err error) string {
	var pe *registry.ParamError
	if errors.As(err, &pe) {
		return pe.Key
	}
	return ""
}

// decodeJSON decodes one JSON document. An empty body decodes to the zero
// value.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return out, newInvalidRequest(err.Error())
	}
	return out, nil
}
