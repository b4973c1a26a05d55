package middleware

import (
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
)

// Actions checked against the caller's role.
const (
	ActionRead           = "read"
	ActionManageCampaign = "campaign:manage"
	ActionEnroll         = "recipient:enroll"
	ActionManageSender   = "sender:manage"
)

// PermissionChecker decides whether a caller may perform an action.
type PermissionChecker interface {
	Allowed(claims *utils.Claims, action string) bool
}

// RolePermissions maps roles to the actions they may perform.
type RolePermissions map[string][]string

// DefaultRolePermissions: owners and admins do everything, members run
// campaigns but cannot touch sending accounts, viewers only read.
func DefaultRolePermissions() RolePermissions {
	return RolePermissions{
		"owner":  {"*"},
		"admin":  {"*"},
		"member": {ActionRead, ActionManageCampaign, ActionEnroll},
		"viewer": {ActionRead},
	}
}

func (p RolePermissions) Allowed(claims *utils.Claims, action string) bool {
	if claims == nil {
		return false
	}
	role := claims.Role
	if role == "" {
		role = "member"
	}
	for _, a := range p[role] {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// Require rejects callers lacking the action with 403.
func Require(checker PermissionChecker, action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !checker.Allowed(ClaimsFrom(c), action) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Insufficient permissions",
			})
		}
		return c.Next()
	}
}
