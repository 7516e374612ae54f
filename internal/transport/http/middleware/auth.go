package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/niiwade/jump-advisor-sub000/internal/config"
	"github.com/niiwade/jump-advisor-sub000/pkg/utils/keygen"
)

// LocalUserID is the fiber Locals key holding the caller's owner id.
const LocalUserID = "user_id"

// AdminAuth checks the bearer token against the configured bcrypt hash. With
// no hash configured the API is open.
func AdminAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hash := cfg.Auth.AdminAPIKeyHash
		if hash == "" {
			return c.Next()
		}

		headerToken := c.Get("X-Admin-Token")
		if headerToken == "" {
			auth := c.Get("Authorization")
			const prefix = "Bearer "
			if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
				headerToken = auth[len(prefix):]
			}
		}
		if headerToken == "" {
			// Browsers cannot set headers on websocket upgrades.
			headerToken = c.Query("token")
		}

		if !keygen.VerifyToken(hash, headerToken) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}

// OwnerScope reads the acting user from the configured header and stores it
// in Locals. Every task operation is scoped to this id.
func OwnerScope(cfg *config.Config) fiber.Handler {
	header := cfg.Auth.UserHeader
	return func(c *fiber.Ctx) error {
		user := strings.TrimSpace(c.Get(header))
		if user == "" {
			user = strings.TrimSpace(c.Query("user_id"))
		}
		if user == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing " + header + " header",
			})
		}
		c.Locals(LocalUserID, user)
		return c.Next()
	}
}

func UserID(c *fiber.Ctx) string {
	user, _ := c.Locals(LocalUserID).(string)
	return user
}
