// Package web provides the HTTP management facade: workflow lifecycle
// operations, instance inspection and the activity-kind catalog.
package web

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/chatops/swadl/pkg/engine"
	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/registry"
	"github.com/chatops/swadl/pkg/versions"
)

type APIHandlers struct {
	manager  *versions.Manager
	engine   *engine.Engine
	registry *registry.Registry
}

func NewAPIHandlers(manager *versions.Manager, eng *engine.Engine, reg *registry.Registry) *APIHandlers {
	return &APIHandlers{
		manager:  manager,
		engine:   eng,
		registry: reg,
	}
}

// Register mounts the management routes on an app.
func (h *APIHandlers) Register(app *fiber.App) {
	w := app.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Post("/", h.DeployWorkflow)
	w.Put("/", h.UpdateWorkflow)
	w.Get("/:id/versions", h.ListVersions)
	w.Get("/:id/versions/:version", h.GetVersion)
	w.Post("/:id/versions/:version/activate", h.SetActiveVersion)
	w.Delete("/:id/versions/:version", h.DeleteVersion)
	w.Delete("/:id", h.DeleteWorkflow)

	i := app.Group("/instances")
	i.Get("/", h.ListInstances)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/cancel", h.CancelInstance)

	app.Get("/activity-kinds", h.ListActivityKinds)
}

type versionResponse struct {
	WorkflowID   string `json:"workflow_id"`
	Version      int64  `json:"version"`
	Published    bool   `json:"published"`
	Active       bool   `json:"active"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
	SWADL        string `json:"swadl,omitempty"`
}

func toVersionResponse(wf *models.VersionedWorkflow, includeSource bool) versionResponse {
	resp := versionResponse{
		WorkflowID:   wf.WorkflowID,
		Version:      wf.Version,
		Published:    wf.Published,
		Active:       wf.Active,
		DeploymentID: wf.DeploymentID,
		Description:  wf.Description,
		CreatedBy:    wf.CreatedBy,
	}
	if includeSource {
		resp.SWADL = wf.SWADL
	}

	return resp
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	ids, err := h.manager.ListWorkflows(c.Context())
	if err != nil {
		return handleManagementError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": ids})
}

// DeployWorkflow accepts a raw SWADL document as the request body.
// Optional `description` and `author` query parameters are recorded on
// the created version.
func (h *APIHandlers) DeployWorkflow(c fiber.Ctx) error {
	source := c.Body()
	if len(source) == 0 {
		return badRequest(c, "request body must contain a SWADL document")
	}

	wf, err := h.manager.Deploy(c.Context(), source, versions.Meta{
		Description: c.Query("description"),
		CreatedBy:   c.Query("author"),
	})
	if err != nil {
		return handleManagementError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toVersionResponse(wf, false))
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	source := c.Body()
	if len(source) == 0 {
		return badRequest(c, "request body must contain a SWADL document")
	}

	wf, err := h.manager.Update(c.Context(), source, versions.Meta{
		Description: c.Query("description"),
		CreatedBy:   c.Query("author"),
	})
	if err != nil {
		return handleManagementError(c, err)
	}

	return c.JSON(toVersionResponse(wf, false))
}

func (h *APIHandlers) ListVersions(c fiber.Ctx) error {
	workflows, err := h.manager.ListVersions(c.Context(), c.Params("id"))
	if err != nil {
		return handleManagementError(c, err)
	}

	out := make([]versionResponse, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, toVersionResponse(wf, false))
	}

	return c.JSON(fiber.Map{"versions": out})
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, "version must be an integer")
	}

	wf, err := h.manager.GetVersion(c.Context(), c.Params("id"), version)
	if err != nil {
		return handleManagementError(c, err)
	}

	return c.JSON(toVersionResponse(wf, true))
}

func (h *APIHandlers) SetActiveVersion(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, "version must be an integer")
	}

	if err := h.manager.SetActiveVersion(c.Context(), c.Params("id"), version); err != nil {
		return handleManagementError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DeleteVersion(c fiber.Ctx) error {
	version, err := parseVersion(c)
	if err != nil {
		return badRequest(c, "version must be an integer")
	}

	if err := h.manager.DeleteVersion(c.Context(), c.Params("id"), version); err != nil {
		return handleManagementError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.manager.Delete(c.Context(), c.Params("id")); err != nil {
		return handleManagementError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"instances": h.engine.Instances()})
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	snap, err := h.engine.Snapshot(c.Params("id"))
	if err != nil {
		return notFound(c, "instance not found")
	}

	return c.JSON(snap)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	err := h.engine.Cancel(c.Context(), c.Params("id"))

	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusNoContent)
	case errors.Is(err, engine.ErrInstanceFinished):
		return badRequest(c, err.Error())
	default:
		return notFound(c, err.Error())
	}
}

func (h *APIHandlers) ListActivityKinds(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"kinds": h.registry.Kinds()})
}

func parseVersion(c fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("version"), 10, 64)
}
