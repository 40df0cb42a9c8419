package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Webhook auth modes. Exactly one applies per integration.
const (
	AuthModeSecretHeader = "secret_header" // X-Webhook-Secret header
	AuthModeQueryToken   = "query_token"   // ?token= query parameter
	AuthModeHMAC         = "hmac"          // X-Webhook-Signature over the raw body
)

// Integration binds a public webhook URL to a tenant, a provider tag and
// the credentials inbound calls must present. The admission path reads it,
// never writes it.
type Integration struct {
	Id       string `json:"id" gorm:"primaryKey"`
	PublicId string `json:"public_id" gorm:"unique;not null"`
	TenantId string `json:"tenant_id" gorm:"not null;index"`
	Provider string `json:"provider" gorm:"not null"`
	AuthMode string `json:"auth_mode" gorm:"not null"`
	Secret   string `json:"-" gorm:"not null"`
	Active   bool   `json:"active" gorm:"not null;default:true"`
}

func (integration *Integration) BeforeCreate(tx *gorm.DB) (err error) {
	// UUID version 4
	if integration.Id == "" {
		integration.Id = uuid.NewString()
	}
	if integration.PublicId == "" {
		integration.PublicId = uuid.NewString()
	}
	return
}
