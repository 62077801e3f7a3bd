package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/jamcrm/api/internal/model"
	"github.com/jamcrm/api/pkg/response"
)

type CollectionLister interface {
	ListCollections(ctx context.Context) ([]model.CollectionSummary, error)
}

type CollectionHandler struct {
	collections CollectionLister
}

func NewCollectionHandler(collections CollectionLister) *CollectionHandler {
	return &CollectionHandler{collections: collections}
}

// List handles GET /collections
func (h *CollectionHandler) List(c *fiber.Ctx) error {
	result, err := h.collections.ListCollections(c.UserContext())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	if result == nil {
		result = []model.CollectionSummary{}
	}
	return response.OK(c, result)
}
