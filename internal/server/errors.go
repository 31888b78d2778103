package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chat-relay/internal/auth"
)

const (
	forbiddenMessage = "Forbidden: Invalid password"
	upstreamMessage  = "An error occurred while processing your request."
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

// upstreamError marks a failure talking to the upstream before anything was
// written to the client. Its text is reported to the client as details.
type upstreamError struct {
	err error
}

func (e upstreamError) Error() string {
	return e.err.Error()
}

func (e upstreamError) Unwrap() error {
	return e.err
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		slog.Debug("error after response was committed", "err", err)
		return
	}

	if errors.Is(err, auth.ErrForbidden) {
		_ = c.JSON(http.StatusForbidden, map[string]string{"error": forbiddenMessage})
		return
	}

	var upErr upstreamError
	if errors.As(err, &upErr) {
		var payload upstreamErrorBody
		payload.Error.Message = upstreamMessage
		payload.Error.Details = upErr.Error()
		_ = c.JSON(http.StatusInternalServerError, payload)
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}
