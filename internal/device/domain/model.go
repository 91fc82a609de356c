package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
)

// Device is one activated installation. Deactivation flips Active and stamps
// DeactivatedAt; rows are never deleted.
type Device struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey" json:"-"`
	Subject         string       `gorm:"column:subject" json:"-"`
	DeviceID        string       `gorm:"column:device_id" json:"device_id"`
	Name            string       `gorm:"column:name" json:"name"`
	Active          bool         `gorm:"column:active" json:"active"`
	ActivatedAt     time.Time    `gorm:"column:activated_at" json:"activated_at"`
	LastValidatedAt *time.Time   `gorm:"column:last_validated_at" json:"last_validated_at,omitempty"`
	DeactivatedAt   *time.Time   `gorm:"column:deactivated_at" json:"deactivated_at,omitempty"`
	CreatedAt       time.Time    `gorm:"column:created_at" json:"-"`
	UpdatedAt       time.Time    `gorm:"column:updated_at" json:"-"`
}

func (Device) TableName() string { return "devices" }

type ActivateRequest struct {
	Subject  string
	DeviceID string
	Name     string
}

type ActivateResult struct {
	Device      Device
	Entitlement entdomain.Entitlement
	// Changed is false when the device was already active.
	Changed bool
}

// Status is the subject-facing summary of tier and device usage.
type Status struct {
	Tier        entdomain.Tier `json:"tier"`
	DeviceLimit int            `json:"device_limit"`
	DevicesUsed int64          `json:"devices_used"`
}
