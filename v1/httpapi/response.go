package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
	"github.com/mirkobrombin/go-crowdlock/v1/scheduler"
)

// Response is the envelope of every API response.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	CodeSuccess = 0
	MsgSuccess  = "success"
)

func success(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Code: CodeSuccess, Message: MsgSuccess, Data: data})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(Response{Code: status, Message: message})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, fe.Message
	case errors.Is(err, scheduler.ErrInvalidOffset):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, crowderrors.ErrNotFound):
		return fiber.StatusNotFound, "not found"
	case errors.Is(err, crowderrors.ErrConflict):
		return fiber.StatusConflict, "task already answered"
	case errors.Is(err, crowderrors.ErrStoreUnavailable), errors.Is(err, crowderrors.ErrTimeout):
		return fiber.StatusServiceUnavailable, "lock store unavailable"
	}
	return fiber.StatusInternalServerError, "server error"
}

func errorHandler(c *fiber.Ctx, err error) error {
	status, msg := statusOf(err)
	return fail(c, status, msg)
}
