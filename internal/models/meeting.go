package models

import (
	"time"

	"gorm.io/gorm"
)

// Meeting is owned by the scheduling side of the application; this service
// only reads it to resolve the resource a channel should watch.
type Meeting struct {
	Name           string         `gorm:"size:140;primaryKey" json:"name"`
	Title          string         `gorm:"size:255" json:"title"`
	CalendarID     string         `gorm:"size:255" json:"calendar_id"`
	GoogleMeetLink string         `gorm:"size:255" json:"google_meet_link"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Meeting) TableName() string {
	return "meetings"
}
