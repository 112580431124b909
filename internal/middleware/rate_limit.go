package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-scorm-api/internal/observability"
	"github.com/noah-isme/gema-scorm-api/internal/utils"
)

// RateLimit throttles a route per caller and per attempt: a learner replaying
// a backlog into one attempt does not eat the budget of their other attempts.
// Callers without a user id are keyed by IP.
func RateLimit(scope string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return rateLimitKey(scope, c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			observability.RateLimited().WithLabelValues(scope).Inc()
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests, retry later")
		},
	})
}

func rateLimitKey(scope string, c *fiber.Ctx) string {
	caller := "ip:" + c.IP()
	if hasUser(c.Locals("user_id")) {
		caller = fmt.Sprintf("user:%v", c.Locals("user_id"))
	}

	key := scope + ":" + caller
	if attempt := strings.TrimSpace(c.Params("id")); attempt != "" {
		key += ":attempt:" + attempt
	}
	return key
}
