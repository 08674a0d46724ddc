// Database models for cached summaries and provenance links
package db

import "time"

// Summary subject types
const (
	SubjectConversation = "conversation"
	SubjectNote         = "note"
	SubjectDay          = "day"
)

// Summary is a content-addressed condensation of an excerpt set. At most one
// row exists per (subject_type, subject_id, source_hash) and versions per
// subject start at 1 without gaps.
type Summary struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	SubjectType string    `json:"subject_type" gorm:"size:32;not null;uniqueIndex:idx_summary_source,priority:1;uniqueIndex:idx_summary_version,priority:1"`
	SubjectID   string    `json:"subject_id" gorm:"size:64;not null;uniqueIndex:idx_summary_source,priority:2;uniqueIndex:idx_summary_version,priority:2"`
	Version     int       `json:"version" gorm:"not null;uniqueIndex:idx_summary_version,priority:3"`
	Body        string    `json:"body" gorm:"type:text;not null"`
	TokenEst    int64     `json:"token_est" gorm:"not null;default:0"`
	SourceHash  string    `json:"source_hash" gorm:"size:64;not null;uniqueIndex:idx_summary_source,priority:3"`
	ModelID     *string   `json:"model_id,omitempty" gorm:"size:128"`
	CreatedAt   time.Time `json:"created_at"`

	// Reused is set when the row came back from the cache instead of being generated.
	Reused bool `json:"reused" gorm:"-"`
}

func (Summary) TableName() string {
	return "summaries"
}

// Link relations
const (
	RelationSummarisedAs = "summarised_as"
	RelationRolloverTo   = "rollover_to"
)

// Link is an append-only provenance edge between two entities.
type Link struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	SrcID     string    `json:"src_id" gorm:"index;size:64;not null"`
	SrcType   string    `json:"src_type" gorm:"size:32;not null"`
	DstID     string    `json:"dst_id" gorm:"index;size:64;not null"`
	DstType   string    `json:"dst_type" gorm:"size:32;not null"`
	Relation  string    `json:"relation" gorm:"size:32;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (Link) TableName() string {
	return "links"
}
