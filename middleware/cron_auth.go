package middleware

import (
	"crypto/subtle"
	"strings"

	"outreach/utils"

	"github.com/gofiber/fiber/v2"
)

// CronAuth guards internal trigger endpoints with a shared bearer secret.
// An empty secret rejects everything.
func CronAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			utils.LogEvent("cron_auth_rejected", map[string]interface{}{
				"ip":   c.IP(),
				"path": c.Path(),
			})
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid cron secret",
			})
		}
		return c.Next()
	}
}
