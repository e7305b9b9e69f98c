package server

import (
	"sync"

	"github.com/gofiber/fiber/v3"
	"golang.org/x/time/rate"
)

// rateLimitMiddleware 按客户端 IP 做令牌桶限流，超额请求返回 429。
func rateLimitMiddleware(rps float64, burst int) fiber.Handler {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		limiter := limiters[ip]
		if limiter == nil {
			limiter = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[ip] = limiter
		}
		return limiter
	}

	return func(c fiber.Ctx) error {
		if !limiterFor(c.IP()).Allow() {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate_limited",
			})
		}
		return c.Next()
	}
}
