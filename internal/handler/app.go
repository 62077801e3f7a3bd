package handler

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jamcrm/api/internal/middleware"
	"github.com/jamcrm/api/internal/model"
	ws "github.com/jamcrm/api/internal/websocket"
	"github.com/jamcrm/api/pkg/response"
)

// AppDeps wires the HTTP surface. Hub, RateLimiter and Metrics are optional.
type AppDeps struct {
	BulkMove       BulkMoveService
	Collections    CollectionLister
	Health         *HealthHandler
	Hub            *ws.Hub
	RateLimiter    *middleware.RateLimiter
	BulkMovePerMin int
	Metrics        http.Handler
	Validator      *validator.Validate
	AccessLog      bool
}

// NewValidator reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func NewApp(d AppDeps) *fiber.App {
	if d.Validator == nil {
		d.Validator = NewValidator()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	if d.Health != nil {
		app.Get("/health", d.Health.Health)
	}
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics))
	}

	collections := NewCollectionHandler(d.Collections)
	bulkMove := NewBulkMoveHandler(d.BulkMove, d.Validator)

	submit := []fiber.Handler{}
	if d.RateLimiter != nil && d.BulkMovePerMin > 0 {
		submit = append(submit, d.RateLimiter.BulkMoveLimit(d.BulkMovePerMin))
	}
	submit = append(submit, bulkMove.Submit)

	app.Get("/collections", collections.List)
	app.Post("/collections/bulk-move", submit...)
	app.Get("/collections/bulk-move-status/:operationId", bulkMove.Status)

	if d.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})

		app.Get("/ws/bulk-move/:operationId", websocket.New(func(c *websocket.Conn) {
			jobID := c.Params("operationId")
			d.Hub.HandleConnection(c, jobID, func() *model.BulkMoveStatusResponse {
				snap, err := d.BulkMove.Status(context.Background(), jobID)
				if err != nil {
					return nil
				}
				return snap
			})
		}))
	}

	return app
}

// ErrorHandler renders errors that escape handlers in the response envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.FromStatus(code), message, nil)
}
