package feed

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/alerts", func(c *fiber.Ctx) error {
		alerts, err := svc.ListAlerts(c.Context(), c.Query("deviceId"), c.QueryInt("limit", DefaultListLimit))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(alerts)
	})

	r.Post("/alerts", authMiddleware, func(c *fiber.Ctx) error {
		var req AlertRecord
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		alert, err := svc.RecordAlert(c.Context(), req)
		if err != nil {
			return serviceError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(alert)
	})

	r.Get("/locations", func(c *fiber.Ctx) error {
		deviceID := c.Query("deviceId")
		if deviceID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "deviceId required")
		}
		locations, err := svc.ListLocations(c.Context(), deviceID, c.QueryInt("limit", DefaultListLimit))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(locations)
	})

	r.Post("/locations", authMiddleware, func(c *fiber.Ctx) error {
		var req LocationRecord
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		location, err := svc.RecordLocation(c.Context(), req)
		if err != nil {
			return serviceError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(location)
	})
}

func serviceError(err error) error {
	if errors.Is(err, ErrInvalidRecord) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
