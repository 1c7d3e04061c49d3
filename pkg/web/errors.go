package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/chatops/swadl/pkg/compiler"
	"github.com/chatops/swadl/pkg/persistence"
	"github.com/chatops/swadl/pkg/swadl"
	"github.com/chatops/swadl/pkg/versions"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleManagementError maps the lifecycle error taxonomy onto problem
// documents.
func handleManagementError(c fiber.Ctx, err error) error {
	var validationErr *swadl.ValidationError
	var parseErr *swadl.ParseError
	var compileErr *compiler.Error

	switch {
	case errors.As(err, &validationErr), errors.As(err, &parseErr), errors.As(err, &compileErr):
		return badRequest(c, err.Error())

	case errors.Is(err, versions.ErrIllegalArgument):
		return badRequest(c, err.Error())

	case errors.Is(err, versions.ErrUnsupportedOperation):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("unsupported_operation").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, versions.ErrNotFound), persistence.IsNotFound(err):
		return notFound(c, err.Error())

	default:
		return internalError(c, err)
	}
}
