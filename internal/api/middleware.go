package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/groupsync/internal/auth"
	"github.com/fathima-sithara/groupsync/internal/models"
)

const userKey = "user"

func AuthRequired(p auth.Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearer(c.Get("Authorization"))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		u, err := p.CurrentUser(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(userKey, u)
		return c.Next()
	}
}

func currentUser(c *fiber.Ctx) *models.User {
	u, _ := c.Locals(userKey).(*models.User)
	return u
}
