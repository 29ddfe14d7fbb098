package models

import (
	"time"
)

// Child is one service recipient. The billing relationship itself lives on
// Payer; a child carries the guardian contact used by notification sinks and
// the label/service count.
type Child struct {
	ID             int        `gorm:"primary_key" json:"id"`
	Name           string     `gorm:"size:50;not null" json:"name" binding:"required"`
	ClassroomId    int        `gorm:"index;not null" json:"classroom_id" binding:"required"`
	ParentName     string     `gorm:"size:50;not null" json:"parent_name" binding:"required"`
	ParentPhone    string     `gorm:"size:20;not null" json:"parent_phone" binding:"required"`
	ParentEmail    string     `gorm:"size:100" json:"parent_email"`
	ServiceCount   int        `gorm:"not null;default:1" json:"service_count"`
	EnrollmentDate time.Time  `gorm:"not null" json:"enrollment_date"`
	WithdrawalDate *time.Time `gorm:"default:null" json:"withdrawal_date"`
	IsActive       *bool      `gorm:"not null;default:true" json:"is_active"`
	Notes          string     `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
