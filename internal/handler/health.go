package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jamcrm/api/internal/store"
)

type HealthHandler struct {
	db        *gorm.DB
	redis     *redis.Client
	queueMode string
}

// NewHealthHandler reports on the database and, when configured, Redis.
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, queueMode string) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, queueMode: queueMode}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	database := store.Ping(ctx, h.db) == nil
	redisOK := false
	if h.redis != nil {
		redisOK = h.redis.Ping(ctx).Err() == nil
	}

	status := "ok"
	if !database {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status": status,
		"services": fiber.Map{
			"database": database,
			"redis":    redisOK,
			"queue":    h.queueMode,
		},
	})
}
