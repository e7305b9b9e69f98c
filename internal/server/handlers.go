package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/img-hub/internal/cache"
	"github.com/any-hub/img-hub/internal/imaging"
	"github.com/any-hub/img-hub/internal/logging"
	"github.com/any-hub/img-hub/internal/manager"
)

// loadWait 给单个代理请求的兜底等待时间，略高于下载超时。
const loadWait = 20 * time.Second

type loadResult struct {
	img  *imaging.Image
	data []byte
	err  error
	tier cache.Type
}

func registerRoutes(app *fiber.App, opts AppOptions) {
	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/statz", func(c fiber.Ctx) error {
		return handleStats(c, opts.Manager)
	})

	app.Get("/i", func(c fiber.Ctx) error {
		return handleImage(c, opts.Manager, opts.Logger)
	})

	app.Delete("/cache", func(c fiber.Ctx) error {
		return handleClearCache(c, opts.Manager)
	})
}

// handleImage 走 Manager 的完整回落链路并把原始编码字节透传给
// 客户端，X-Img-Hub-Cache 标记命中层。
func handleImage(c fiber.Ctx, m *manager.Manager, logger *logrus.Logger) error {
	url := c.Query("u")
	if url == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "missing_url",
		})
	}

	var opts manager.Option
	if c.Query("refresh") == "1" {
		opts |= manager.OptionRefreshCached
	}

	started := time.Now()
	requestID := RequestID(c)

	results := make(chan loadResult, 2)
	op := m.LoadImage(url, opts, nil, nil,
		func(img *imaging.Image, data []byte, err error, tier cache.Type, finished bool, _ string) {
			if !finished {
				return
			}
			results <- loadResult{img: img, data: data, err: err, tier: tier}
		})

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var result loadResult
	select {
	case result = <-results:
	case <-ctx.Done():
		op.Cancel()
		return c.Status(fiber.StatusRequestTimeout).JSON(fiber.Map{
			"error": "client_gone",
		})
	case <-time.After(loadWait):
		op.Cancel()
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error": "load_timeout",
		})
	}

	fields := logging.RequestFields(url, result.tier.String(), requestID, result.tier != cache.TypeNone)
	fields["action"] = "serve_image"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	if result.err != nil {
		logger.WithError(result.err).WithFields(fields).Warn("image load failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "load_failed",
		})
	}

	logger.WithFields(fields).Info("image served")

	c.Set("X-Img-Hub-Cache", result.tier.String())
	if result.img != nil {
		c.Set("Content-Type", result.img.Format.ContentType())
	}
	return c.Send(result.data)
}

func handleStats(c fiber.Ctx, m *manager.Manager) error {
	memCount, memCost := m.Cache().Memory().Stats()
	diskCount, diskSize := m.Cache().Disk().Stats()

	return c.JSON(fiber.Map{
		"memory_entries": memCount,
		"memory_cost":    memCost,
		"disk_entries":   diskCount,
		"disk_bytes":     diskSize,
		"in_flight":      m.Downloader().InFlight(),
		"running":        m.RunningCount(),
	})
}

// handleClearCache 清空指定层：?tier=memory|disk|all，默认 all。
func handleClearCache(c fiber.Ctx, m *manager.Manager) error {
	target := cache.TypeAll
	switch c.Query("tier") {
	case "", "all":
	case "memory":
		target = cache.TypeMemory
	case "disk":
		target = cache.TypeDisk
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown_tier",
		})
	}

	done := make(chan struct{})
	m.Cache().Clear(target, func() { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error": "clear_timeout",
		})
	}

	return c.JSON(fiber.Map{"cleared": target.String()})
}
