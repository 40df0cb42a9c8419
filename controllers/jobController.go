package controllers

import (
	"chatrelay-backend/utils"

	"github.com/gofiber/fiber/v2"
)

// Operator surface for the job queue. Exhausted jobs are never deleted or
// silently requeued; these endpoints are how they get looked at and acted
// on.

func ListFailedJobs(c *fiber.Ctx) error {
	limit := utils.ParseIntDefault(c.Query("limit"), 50)
	failed, err := jobs.ListFailed(limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "could not list failed jobs")
	}
	return c.JSON(fiber.Map{"jobs": failed, "count": len(failed)})
}

func GetJob(c *fiber.Ctx) error {
	job, err := jobs.Get(c.Params("id"))
	if err != nil {
		return err // 404 via ErrorHandler on gorm.ErrRecordNotFound
	}
	return c.JSON(job)
}

// RetryJob requeues a failed job regardless of its retry budget. This is
// the deliberate operator override for exhausted jobs.
func RetryJob(c *fiber.Ctx) error {
	id := c.Params("id")
	job, err := jobs.Get(id)
	if err != nil {
		return err
	}
	if err := jobs.ResetForRetry(id); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "could not requeue job")
	}
	return c.JSON(fiber.Map{"message": "job requeued", "id": job.Id})
}

func CancelJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := jobs.Get(id); err != nil {
		return err
	}
	cancelled, err := jobs.Cancel(id)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "could not cancel job")
	}
	if !cancelled {
		// Already claimed or finished; claimed work is never preempted.
		c.Status(fiber.StatusConflict)
		return c.JSON(fiber.Map{"message": "job is not pending, cannot cancel"})
	}
	return c.JSON(fiber.Map{"message": "job cancelled", "id": id})
}
