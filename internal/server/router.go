package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/manager"
)

const contextKeyRequestID = "_imghub_request_id"

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Manager *manager.Manager

	// RequestsPerSecond <= 0 禁用限流。
	RequestsPerSecond float64
	RequestBurst      int
}

// NewApp builds a Fiber application with request-ID middleware, optional
// rate limiting and the image/diagnostics routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Manager == nil {
		return nil, errors.New("image manager is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	if opts.RequestsPerSecond > 0 {
		app.Use(rateLimitMiddleware(opts.RequestsPerSecond, opts.RequestBurst))
	}

	registerRoutes(app, opts)
	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID 并回写响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID 读取中间件生成的请求 ID。
func RequestID(c fiber.Ctx) string {
	if id, ok := c.Locals(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}
