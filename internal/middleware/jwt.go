package middleware

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-scorm-api/internal/utils"
)

// JWTProtected returns a middleware that validates JWT bearer tokens.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, message := bearerToken(c)
		if message != "" {
			return utils.SendError(c, fiber.StatusUnauthorized, message)
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithLeeway(30*time.Second))
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token claims")
		}

		if userID := extractUserIDFromClaims(claims); userID != nil {
			c.Locals("user_id", *userID)
		}
		if role := extractUserRoleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so upgrades may pass the token as access_token.
func bearerToken(c *fiber.Ctx) (string, string) {
	authorization := c.Get("Authorization")
	if authorization == "" {
		if websocket.IsWebSocketUpgrade(c) {
			if token := strings.TrimSpace(c.Query("access_token")); token != "" {
				return token, ""
			}
		}
		return "", "authorization header missing"
	}

	const bearer = "Bearer "
	if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
		return "", "invalid authorization header"
	}

	tokenString := strings.TrimSpace(authorization[len(bearer):])
	if tokenString == "" {
		return "", "invalid token"
	}
	return tokenString, ""
}

func extractUserIDFromClaims(claims jwt.MapClaims) *uint {
	for _, key := range []string{"sub", "user_id", "id"} {
		if value, ok := claims[key]; ok {
			if normalized, err := normalizeUserID(value); err == nil {
				return &normalized
			}
		}
	}
	return nil
}

func normalizeUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v <= 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("invalid subject %v", v)
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil || parsed == 0 {
			return 0, fmt.Errorf("invalid subject %q", v)
		}
		return uint(parsed), nil
	default:
		return 0, fmt.Errorf("unsupported subject type %T", value)
	}
}

// lmsRoles maps the role names issued by the LMS onto the roles the API
// authorizes against.
var lmsRoles = map[string]string{
	"admin":          AuthRoleAdmin,
	"manager":        AuthRoleAdmin,
	"instructor":     AuthRoleInstructor,
	"teacher":        AuthRoleInstructor,
	"editingteacher": AuthRoleInstructor,
	"learner":        AuthRoleLearner,
	"student":        AuthRoleLearner,
}

var rolePrivilege = map[string]int{
	AuthRoleLearner:    1,
	AuthRoleInstructor: 2,
	AuthRoleAdmin:      3,
}

// extractUserRoleFromClaims returns the most privileged known role found in
// the role or roles claim. Unknown role names are passed through only when
// nothing known was found.
func extractUserRoleFromClaims(claims jwt.MapClaims) string {
	var names []string
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			names = append(names, v)
		case []interface{}:
			for _, item := range v {
				if name, ok := item.(string); ok {
					names = append(names, name)
				}
			}
		}
	}

	best, fallback := "", ""
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		role, known := lmsRoles[name]
		if !known {
			if fallback == "" {
				fallback = name
			}
			continue
		}
		if rolePrivilege[role] > rolePrivilege[best] {
			best = role
		}
	}
	if best != "" {
		return best
	}
	return fallback
}
