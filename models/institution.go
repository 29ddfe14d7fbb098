package models

import (
	"time"
)

// Institution is one enrolled kindergarten/daycare served by a delivery center.
type Institution struct {
	ID               int             `gorm:"primary_key" json:"id"`
	Name             string          `gorm:"size:100;not null" json:"name" binding:"required"`
	InstitutionType  InstitutionType `gorm:"type:enum('KINDERGARTEN','DAYCARE','ENGLISH_KINDERGARTEN','OTHER');not null" json:"institution_type" binding:"required"`
	DeliveryCenterId int             `gorm:"index;not null" json:"delivery_center_id" binding:"required"`
	Address          string          `gorm:"size:200" json:"address"`
	Phone            string          `gorm:"size:20" json:"phone"`
	ContactPerson    string          `gorm:"size:50" json:"contact_person"`
	ContactPhone     string          `gorm:"size:20" json:"contact_phone"`
	ServiceStartDate time.Time       `gorm:"not null" json:"service_start_date"`
	ServiceEndDate   *time.Time      `gorm:"default:null" json:"service_end_date"`
	IsActive         *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type Classroom struct {
	ID            int       `gorm:"primary_key" json:"id"`
	InstitutionId int       `gorm:"not null;index:uniq_classroom,unique" json:"institution_id" binding:"required"`
	Name          string    `gorm:"size:50;not null;index:uniq_classroom,unique" json:"name" binding:"required"`
	Capacity      int       `gorm:"default:0" json:"capacity"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
