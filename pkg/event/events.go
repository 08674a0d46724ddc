package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	ConversationCreated    = "conversation.created"
	ConversationWarned     = "conversation.contextWarned"
	ConversationRolledOver = "conversation.rolledOver"
	MessageAppended        = "message.appended"
	SummaryStored          = "summary.stored"
	JobQueued              = "job.queued"
	JobCompleted           = "job.completed"
	TaskUpdated            = "task.updated"
	LogbookUpdated         = "logbook.updated"
	LogRecorded            = "log.recorded"
	ConfigChanged          = "system.configChanged"
)

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationCreatedEvent is emitted when a conversation is created.
type ConversationCreatedEvent struct {
	ConversationID string
}

func (e ConversationCreatedEvent) EventName() string { return ConversationCreated }

// ConversationWarnedEvent is emitted once, when a conversation crosses its warn threshold.
type ConversationWarnedEvent struct {
	ConversationID string
	TotalTokens    int64
	Window         int64
}

func (e ConversationWarnedEvent) EventName() string { return ConversationWarned }

// ConversationRolledOverEvent is emitted after a rollover commits.
type ConversationRolledOverEvent struct {
	FromConversationID string
	ToConversationID   string
	SummaryID          string
}

func (e ConversationRolledOverEvent) EventName() string { return ConversationRolledOver }

// MessageAppendedEvent is emitted when a message is stored.
type MessageAppendedEvent struct {
	ConversationID string
	MessageID      string
}

func (e MessageAppendedEvent) EventName() string { return MessageAppended }

// SummaryStoredEvent is emitted when a new summary row is generated.
type SummaryStoredEvent struct {
	SummaryID   string
	SubjectType string
	SubjectID   string
	Version     int
}

func (e SummaryStoredEvent) EventName() string { return SummaryStored }

// ============================================================================
// Job Events
// ============================================================================

// JobQueuedEvent is emitted when a job is enqueued.
type JobQueuedEvent struct {
	JobID string
	Kind  string
}

func (e JobQueuedEvent) EventName() string { return JobQueued }

// JobCompletedEvent is emitted when a job reaches succeeded or failed.
type JobCompletedEvent struct {
	JobID   string
	Kind    string
	Success bool
}

func (e JobCompletedEvent) EventName() string { return JobCompleted }

// LogbookUpdatedEvent is emitted after a digest rewrites a day.
type LogbookUpdatedEvent struct {
	EntryDate string
}

func (e LogbookUpdatedEvent) EventName() string { return LogbookUpdated }

// TaskUpdatedEvent is emitted when a worker pool task changes status.
type TaskUpdatedEvent struct {
	TaskID string
	Type   string
	Status string
}

func (e TaskUpdatedEvent) EventName() string { return TaskUpdated }

// ============================================================================
// System Events
// ============================================================================

// LogRecordedEvent is emitted for each durable event-log entry.
type LogRecordedEvent struct {
	Level  string
	Code   string
	Module string
}

func (e LogRecordedEvent) EventName() string { return LogRecorded }

// ConfigChangedEvent is emitted when rollover or AI settings change.
type ConfigChangedEvent struct {
	Key string
}

func (e ConfigChangedEvent) EventName() string { return ConfigChanged }
