package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name   string
		role   interface{}
		status int
	}{
		{name: "instructor", role: "instructor", status: fiber.StatusOK},
		{name: "admin mixed case", role: " Admin ", status: fiber.StatusOK},
		{name: "learner", role: "learner", status: fiber.StatusForbidden},
		{name: "no role", role: nil, status: fiber.StatusUnauthorized},
		{name: "blank role", role: "  ", status: fiber.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(func(c *fiber.Ctx) error {
				if tc.role != nil {
					c.Locals("user_role", tc.role)
				}
				return c.Next()
			})
			app.Get("/attempts/1/remarks", RequireRole(AuthRoleInstructor, AuthRoleAdmin), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusOK)
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/attempts/1/remarks", nil))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
