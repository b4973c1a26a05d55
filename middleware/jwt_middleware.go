package middleware

import (
	"strings"

	"outreach/utils"

	"github.com/gofiber/fiber/v2"
)

// Protected authenticates the admin API. The token's organization scopes
// every query made by the handlers behind it.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			// Fall back to cookie if header not present
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("claims", claims)
		c.Locals("userID", claims.UserID)
		c.Locals("orgID", claims.OrganizationID)

		return c.Next()
	}
}

// ClaimsFrom returns the claims set by Protected, or nil.
func ClaimsFrom(c *fiber.Ctx) *utils.Claims {
	claims, _ := c.Locals("claims").(*utils.Claims)
	return claims
}

// OrgID is the caller's organization; zero outside Protected routes.
func OrgID(c *fiber.Ctx) uint {
	id, _ := c.Locals("orgID").(uint)
	return id
}
