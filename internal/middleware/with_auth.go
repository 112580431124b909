package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-scorm-api/internal/utils"
)

// Auth role constants understood by RequireAuth.
const (
	AuthRoleAny        = "any"
	AuthRoleInstructor = "instructor"
	AuthRoleLearner    = "learner"
	AuthRoleAdmin      = "admin"
)

// AuthOptions configures RequireAuth.
type AuthOptions struct {
	Role string
	// AllowAnonymous lets AuthRoleAny through without a user id.
	AllowAnonymous bool
}

// RequireAuth guards a route on the locals set by JWTProtected. Admins pass
// every instructor check.
func RequireAuth(opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := role != AuthRoleAny || !opts.AllowAnonymous

	return func(c *fiber.Ctx) error {
		if requireUser && !hasUser(c.Locals("user_id")) {
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}

		currentRole := normalizeRoleValue(c.Locals("user_role"))
		switch role {
		case AuthRoleAny:
		case AuthRoleInstructor:
			if currentRole != AuthRoleInstructor && currentRole != AuthRoleAdmin {
				return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
			}
		default:
			if currentRole != role {
				return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
			}
		}

		return c.Next()
	}
}

func hasUser(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case uint:
		return v != 0
	case int:
		return v > 0
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}
