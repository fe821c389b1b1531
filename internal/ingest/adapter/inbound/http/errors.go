package http_handler

import (
	"errors"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/resilience"
	sdklogger "github.com/anthanhphan/gosdk/logger"
	"github.com/gofiber/fiber/v2"
)

// Error codes carried in the error envelope.
const (
	codeQuotaExceeded      = "QUOTA_EXCEEDED"
	codeValidation         = "VALIDATION_ERROR"
	codeDigestMismatch     = "DIGEST_MISMATCH"
	codeNotFound           = "NOT_FOUND"
	codeSessionExpired     = "SESSION_EXPIRED"
	codeConflict           = "CONFLICT"
	codeUnauthorized       = "UNAUTHORIZED"
	codeServiceUnavailable = "SERVICE_UNAVAILABLE"
	codeInternal           = "INTERNAL_ERROR"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrQuotaExceeded, fiber.StatusRequestEntityTooLarge, codeQuotaExceeded},
	{domain.ErrInvalidMetadata, fiber.StatusUnprocessableEntity, codeValidation},
	{domain.ErrInvalidPart, fiber.StatusUnprocessableEntity, codeValidation},
	{domain.ErrUnsupportedFormat, fiber.StatusUnprocessableEntity, codeValidation},
	{domain.ErrDigestMismatch, fiber.StatusUnprocessableEntity, codeDigestMismatch},
	{domain.ErrSessionNotFound, fiber.StatusNotFound, codeNotFound},
	{domain.ErrTaskNotFound, fiber.StatusNotFound, codeNotFound},
	{domain.ErrSessionExpired, fiber.StatusGone, codeSessionExpired},
	{domain.ErrDuplicatePart, fiber.StatusConflict, codeConflict},
	{domain.ErrIncompleteUpload, fiber.StatusConflict, codeConflict},
	{domain.ErrIllegalTransition, fiber.StatusConflict, codeConflict},
	{domain.ErrSessionClosed, fiber.StatusConflict, codeConflict},
	{resilience.ErrCircuitOpen, fiber.StatusServiceUnavailable, codeServiceUnavailable},
}

func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return fiber.StatusInternalServerError, codeInternal
}

// errorHandler turns errors returned by handlers into the JSON envelope.
// Internal failures are logged and reported without detail.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := codeValidation
		switch fe.Code {
		case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
			code = codeNotFound
		case fiber.StatusRequestEntityTooLarge:
			code = codeQuotaExceeded
		}
		return sendError(c, fe.Code, code, fe.Message)
	}

	status, code := classify(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		sdklogger.Errorw("Request failed",
			"method", c.Method(),
			"path", c.Path(),
			"request_id", requestID(c),
			"error", err.Error(),
		)
		message = "internal error"
	} else {
		sdklogger.Debugw("Request rejected", "path", c.Path(), "code", code, "error", err.Error())
	}
	return sendError(c, status, code, message)
}

func sendError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorBody{
		Error:     message,
		Code:      code,
		RequestID: requestID(c),
	})
}

func requestID(c *fiber.Ctx) string {
	return c.GetRespHeader(fiber.HeaderXRequestID)
}
