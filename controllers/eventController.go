package controllers

import (
	"chatrelay-backend/utils"

	"github.com/gofiber/fiber/v2"
)

func GetEvent(c *fiber.Ctx) error {
	event, err := events.Get(c.Params("id"))
	if err != nil {
		return err // 404 via ErrorHandler on gorm.ErrRecordNotFound
	}
	return c.JSON(event)
}

// ListErrorEvents returns staged events that ran out of retries.
func ListErrorEvents(c *fiber.Ctx) error {
	limit := utils.ParseIntDefault(c.Query("limit"), 50)
	errored, err := events.ListErrors(limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "could not list errored events")
	}
	return c.JSON(fiber.Map{"events": errored, "count": len(errored)})
}
