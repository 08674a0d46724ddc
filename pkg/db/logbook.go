// Database models for notes and the daily digest output
package db

import "time"

// Note is owned by the notes feature; the digest only reads it.
type Note struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Title     string    `json:"title" gorm:"size:300"`
	Body      string    `json:"body" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Note) TableName() string {
	return "notes"
}

// LogbookEntry holds one digest per calendar day (YYYY-MM-DD, UTC).
type LogbookEntry struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	EntryDate string    `json:"entry_date" gorm:"size:10;uniqueIndex;not null"`
	Summary   string    `json:"summary" gorm:"type:text"`
	SummaryID *string   `json:"summary_id,omitempty" gorm:"size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (LogbookEntry) TableName() string {
	return "logbook_entries"
}

// Timeline kinds
const (
	TimelineLogbook = "logbook"
	TimelineNotes   = "notes"
	TimelineAI      = "ai"
	TimelineAlerts  = "alerts"
)

// TimelineEvent rows are derived; a digest run replaces all rows of its date.
type TimelineEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	EntryDate string    `json:"entry_date" gorm:"size:10;index;not null"`
	Kind      string    `json:"kind" gorm:"size:32;not null"`
	Title     string    `json:"title" gorm:"size:300"`
	Detail    string    `json:"detail" gorm:"type:text"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

func (TimelineEvent) TableName() string {
	return "timeline_events"
}
