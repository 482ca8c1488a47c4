package session

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, coord *Coordinator) {
	r.Get("/view", func(c *fiber.Ctx) error {
		s := coord.Current()
		if s == nil {
			return fiber.NewError(fiber.StatusNotFound, "no open session")
		}
		return c.JSON(s.View())
	})

	r.Post("/reconnect", func(c *fiber.Ctx) error {
		s := coord.Current()
		if s == nil {
			return fiber.NewError(fiber.StatusNotFound, "no open session")
		}
		if err := s.Reconnect(); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return fiber.NewError(fiber.StatusConflict, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"connectionState": s.ConnectionState()})
	})
}
