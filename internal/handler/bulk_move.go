package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/internal/service"
	"github.com/jamcrm/api/pkg/response"
)

// BulkMoveService is the job coordinator as seen by HTTP handlers.
type BulkMoveService interface {
	Submit(ctx context.Context, req *model.BulkMoveRequest) (*model.BulkMoveResponse, error)
	Status(ctx context.Context, jobID string) (*model.BulkMoveStatusResponse, error)
}

type BulkMoveHandler struct {
	service   BulkMoveService
	validator *validator.Validate
}

func NewBulkMoveHandler(svc BulkMoveService, v *validator.Validate) *BulkMoveHandler {
	return &BulkMoveHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /collections/bulk-move
func (h *BulkMoveHandler) Submit(c *fiber.Ctx) error {
	var req model.BulkMoveRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSameCollection):
			return response.ValidationError(c, "Source and destination collections must differ", nil)
		case errors.Is(err, service.ErrCollectionNotFound):
			return response.NotFound(c, "Collection not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /collections/bulk-move-status/:operationId
func (h *BulkMoveHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("operationId")
	if jobID == "" {
		return response.ValidationError(c, "Operation ID is required", nil)
	}

	result, err := h.service.Status(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
