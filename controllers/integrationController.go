package controllers

import (
	"chatrelay-backend/middlewares"
	"chatrelay-backend/models"

	"github.com/gofiber/fiber/v2"
)

// CreateIntegrationDTO is the registry entry an operator provisions for a
// provider callback URL.
type CreateIntegrationDTO struct {
	TenantId string `json:"tenant_id" validate:"required"`
	Provider string `json:"provider" validate:"required"`
	AuthMode string `json:"auth_mode" validate:"required,oneof=secret_header query_token hmac"`
	Secret   string `json:"secret" validate:"required,min=16"`
}

func CreateIntegration(c *fiber.Ctx) error {
	var dto CreateIntegrationDTO
	if err := middlewares.BindAndValidate(c, &dto); err != nil {
		return err
	}

	integration := models.Integration{
		TenantId: dto.TenantId,
		Provider: dto.Provider,
		AuthMode: dto.AuthMode,
		Secret:   dto.Secret,
		Active:   true,
	}
	if err := db.Create(&integration).Error; err != nil {
		c.Status(fiber.StatusBadRequest)
		return c.JSON(fiber.Map{
			"message": "Could not create integration",
			"error":   err.Error(),
		})
	}

	return c.JSON(integration)
}

func ListIntegrations(c *fiber.Ctx) error {
	var integrations []models.Integration
	if err := db.Find(&integrations).Error; err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "could not list integrations")
	}
	return c.JSON(fiber.Map{"integrations": integrations, "count": len(integrations)})
}

// DeactivateIntegration turns an integration off without deleting it;
// admission rejects calls against inactive integrations.
func DeactivateIntegration(c *fiber.Ctx) error {
	res := db.Model(&models.Integration{}).
		Where("public_id = ?", c.Params("publicId")).
		Update("active", false)
	if res.Error != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "could not deactivate integration")
	}
	if res.RowsAffected == 0 {
		return fiber.NewError(fiber.StatusNotFound, "integration not found")
	}
	return c.JSON(fiber.Map{"message": "integration deactivated"})
}
