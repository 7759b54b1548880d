package api

import (
	"errors"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"marketplace-service/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// CustomValidator plugs go-playground/validator into echo's c.Validate.
type CustomValidator struct {
	validator *validator.Validate
}

func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func errorStatus(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, entity.ErrInvalidArgument):
		return 400
	case errors.Is(err, entity.ErrForbidden):
		return 403
	case errors.Is(err, entity.ErrNotFound):
		return 404
	case errors.Is(err, entity.ErrInvalidTransition),
		errors.Is(err, entity.ErrAlreadyResolved),
		errors.Is(err, entity.ErrDuplicate):
		return 409
	case errors.Is(err, entity.ErrCapacityExceeded),
		errors.Is(err, entity.ErrNoCandidatesFound):
		return 422
	}
	return 500
}

func respondError(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == 500 {
		logger.Error().Err(err).Msgf("Error handling %s %s", c.Request().Method, c.Path())
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}
