package db

import (
	"time"

	"gorm.io/datatypes"
)

// EventLog levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// EventLog is one durable diagnostic entry. The digest counts rows by module
// and level, so module names are part of the contract.
type EventLog struct {
	ID      string         `json:"id" gorm:"primaryKey;size:36"`
	TS      time.Time      `json:"ts" gorm:"index;not null"`
	Level   string         `json:"level" gorm:"size:10;not null"`
	Code    string         `json:"code,omitempty" gorm:"size:32"`
	Module  string         `json:"module" gorm:"size:64;index;not null"`
	Message string         `json:"message" gorm:"type:text"`
	Explain string         `json:"explain,omitempty" gorm:"type:text"`
	Data    datatypes.JSON `json:"data,omitempty"`
}

func (EventLog) TableName() string {
	return "event_log"
}
