package tracking

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
)

type LocationReader interface {
	CurrentLocation(ctx context.Context, key ResourceKey) (LocationView, error)
}

func RegisterRoutes(r fiber.Router, coord *Coordinator, locations LocationReader, authMiddleware fiber.Handler) {
	r.Get("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(coord.Sessions())
	})

	r.Get("/:kind/:id/location", func(c *fiber.Ctx) error {
		key, err := NewResourceKey(c.Params("kind"), c.Params("id"))
		if err != nil {
			return errorResponse(c, err)
		}
		view, err := locations.CurrentLocation(c.Context(), key)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(view)
	})

	r.Post("/:kind/:id/heartbeat", authMiddleware, func(c *fiber.Ctx) error {
		key, err := NewResourceKey(c.Params("kind"), c.Params("id"))
		if err != nil {
			return errorResponse(c, err)
		}
		userID, _ := c.Locals("user_id").(string)
		if !coord.Heartbeat(key, userID) {
			return errorResponse(c, NewNotActiveError(key))
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func errorResponse(c *fiber.Ctx, err error) error {
	return c.Status(StatusCode(err)).JSON(fiber.Map{
		"success": false,
		"message": err.Error(),
		"reason":  Reason(err),
	})
}

// StatusCode maps a tracking error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrInvalidSession):
		return fiber.StatusForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotActive):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}
